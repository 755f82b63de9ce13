package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// The operator page only reads /v1/dashboard and listens on /ws; it never
// submits claims.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>HTLC Relay</title>
<style>
  :root { --bg:#09090b; --panel:#18181b; --border:#27272a; --text:#fafafa; --dim:#a1a1aa; --ok:#22c55e; --warn:#f59e0b; --err:#ef4444; }
  * { box-sizing:border-box; margin:0; padding:0; }
  body { background:var(--bg); color:var(--text); font:13px/1.5 ui-monospace, Menlo, monospace; padding:16px; }
  h2 { font-size:12px; color:var(--dim); text-transform:uppercase; letter-spacing:.05em; margin-bottom:8px; }
  .grid { display:grid; grid-template-columns:1fr 1fr; gap:12px; }
  .panel { background:var(--panel); border:1px solid var(--border); border-radius:6px; padding:12px; min-height:120px; }
  .wide { grid-column:1 / span 2; }
  table { width:100%; border-collapse:collapse; }
  td, th { text-align:left; padding:2px 8px 2px 0; white-space:nowrap; }
  th { color:var(--dim); font-weight:normal; }
  .log { height:320px; overflow-y:auto; }
  .info { color:var(--text); } .warn { color:var(--warn); } .error { color:var(--err); } .debug { color:var(--dim); }
  .ok { color:var(--ok); }
  input { background:var(--bg); color:var(--text); border:1px solid var(--border); padding:4px; width:520px; font:inherit; }
  button { background:var(--border); color:var(--text); border:0; padding:4px 10px; cursor:pointer; font:inherit; }
  .muted { color:var(--dim); }
</style>
</head>
<body>
<div class="grid">
  <div class="panel"><h2>Server</h2><table id="server"></table></div>
  <div class="panel"><h2>Pending settlements</h2><table id="pending"></table></div>
  <div class="panel wide"><h2>Recent relays</h2><table id="recent"></table></div>
  <div class="panel wide">
    <h2>Logs <span id="filterLabel" class="muted"></span></h2>
    <p style="margin-bottom:8px">
      <input id="filter" placeholder="contract id">
      <button id="apply">Filter</button> <button id="clear">Clear</button> <button id="refresh">Refresh</button>
    </p>
    <div class="log" id="logs"></div>
  </div>
</div>
<script>
const esc = s => String(s ?? '').replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
const time = t => t ? new Date(t).toLocaleTimeString() : '';
const rows = (head, body) => '<tr>' + head.map(h => '<th>' + h + '</th>').join('') + '</tr>' + body.join('');

function render(v) {
  const s = v.server || {};
  document.getElementById('server').innerHTML =
    '<tr><th>Address</th><td>' + esc(s.address) + '</td></tr>' +
    '<tr><th>Balance</th><td>' + esc(s.balance) + ' ETH</td></tr>' +
    '<tr><th>Chain</th><td>' + esc(s.chainId) + '</td></tr>' +
    '<tr><th>RPC</th><td>' + esc(s.rpcUrl) + '</td></tr>' +
    (s.error ? '<tr><th>Error</th><td class="error">' + esc(s.error) + '</td></tr>' : '') +
    '<tr><th>Events</th><td>' + v.accepted + ' accepted, ' + v.dropped + ' dropped</td></tr>';
  document.getElementById('pending').innerHTML = rows(['Contract', 'Amount', 'Since'],
    (v.pending || []).map(p => '<tr><td>' + esc(p.display) + '</td><td>' + esc(p.amount) + '</td><td>' + time(p.since) + '</td></tr>'));
  document.getElementById('recent').innerHTML = rows(['Contract', 'Preimage', 'Tx', 'At'],
    (v.recent || []).map(r => '<tr><td>' + esc(r.display) + '</td><td>' + esc(r.preimage) + '</td><td class="ok">' + esc(r.txHash) + '</td><td>' + time(r.at) + '</td></tr>'));
  document.getElementById('logs').innerHTML = (v.logs || []).map(l =>
    '<div class="' + esc(l.level) + '">' + time(l.timestamp) + ' [' + esc(l.level) + '] ' + esc(l.message) + '</div>').join('');
  document.getElementById('filterLabel').textContent = v.filter ? '(filtered: ' + v.filter + ')' : '';
  const box = document.getElementById('logs'); box.scrollTop = box.scrollHeight;
}

async function call(method, path, body) {
  const r = await fetch(path, { method, headers: body ? {'Content-Type': 'application/json'} : {}, body: body ? JSON.stringify(body) : undefined });
  if (r.ok) render(await r.json());
}
const load = () => call('GET', '/v1/dashboard');

document.getElementById('apply').onclick = () => call('POST', '/v1/dashboard/filter', { contractId: document.getElementById('filter').value.trim() });
document.getElementById('clear').onclick = () => call('DELETE', '/v1/dashboard/filter');
document.getElementById('refresh').onclick = () => call('POST', '/v1/dashboard/refresh');

let pendingLoad = null;
function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onopen = () => ws.send(JSON.stringify({ allEvents: true }));
  ws.onmessage = () => { if (!pendingLoad) pendingLoad = setTimeout(() => { pendingLoad = null; load(); }, 200); };
  ws.onclose = () => setTimeout(connect, 2000);
}
load(); connect();
</script>
</body>
</html>`

// dashboardPageCSP loosens the API policy for the page's inline assets.
const dashboardPageCSP = "default-src 'self'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

func dashboardPageHandler(c *gin.Context) {
	c.Header("Content-Security-Policy", dashboardPageCSP)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}
