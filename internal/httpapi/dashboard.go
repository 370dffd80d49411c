package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>NotionCal Sync</title>
  <style>
    :root {
      --ink: #1c2430;
      --paper: #f6f7f9;
      --card: #ffffff;
      --line: #d9dee6;
      --ok: #1f9d62;
      --bad: #c2483f;
      --muted: #6b7785;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 16px;
    }
    h1 { margin: 0 0 4px; font-size: 1.4rem; }
    .banner { font-weight: 600; padding: 8px 12px; border-radius: 8px; display: inline-block; }
    .banner.ok { background: #e2f5ea; color: var(--ok); }
    .banner.bad { background: #f9e5e3; color: var(--bad); }
    .muted { color: var(--muted); font-size: 0.85rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    td.fail { color: var(--bad); }
    td.success { color: var(--ok); }
    input, button {
      font: inherit;
      padding: 6px 10px;
      border: 1px solid var(--line);
      border-radius: 6px;
    }
    button { background: var(--ink); color: #fff; cursor: pointer; }
    .row { display: flex; gap: 8px; flex-wrap: wrap; align-items: center; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>NotionCal Sync</h1>
      <span id="health" class="banner">loading…</span>
      <div class="muted" id="summary"></div>
    </div>
    <div class="card">
      <div class="row">
        <input id="token" type="password" placeholder="API token" />
        <button id="trigger">Sync now</button>
        <input id="days" type="number" min="1" max="365" value="30" />
        <button id="historyStart">Historical sync</button>
        <button id="historyCancel">Cancel</button>
        <span class="muted" id="historyState"></span>
      </div>
    </div>
    <div class="card">
      <h1>Recent activity</h1>
      <table>
        <thead>
          <tr><th>Time</th><th>Source</th><th>Op</th><th>Item</th><th>Status</th></tr>
        </thead>
        <tbody id="logRows"></tbody>
      </table>
    </div>
  </div>
  <script>
    (() => {
      const dom = {
        health: document.getElementById("health"),
        summary: document.getElementById("summary"),
        token: document.getElementById("token"),
        trigger: document.getElementById("trigger"),
        days: document.getElementById("days"),
        historyStart: document.getElementById("historyStart"),
        historyCancel: document.getElementById("historyCancel"),
        historyState: document.getElementById("historyState"),
        logRows: document.getElementById("logRows"),
      };
      const headers = () => ({ "Authorization": "Bearer " + dom.token.value, "Content-Type": "application/json" });

      const addRow = (entry) => {
        const tr = document.createElement("tr");
        const status = entry.status === "success" ? "success" : "fail";
        tr.innerHTML =
          "<td>" + new Date(entry.timestamp).toLocaleTimeString() + "</td>" +
          "<td>" + entry.source + "</td>" +
          "<td>" + entry.operation + "</td>" +
          "<td>" + (entry.itemTitle || entry.itemId || "") + "</td>" +
          "<td class='" + status + "'>" + entry.status + "</td>";
        dom.logRows.prepend(tr);
        while (dom.logRows.childElementCount > 50) dom.logRows.lastChild.remove();
      };

      const refresh = async () => {
        try {
          const resp = await fetch("/v1/status", { headers: headers() });
          if (!resp.ok) throw new Error("status " + resp.status);
          const data = await resp.json();
          dom.health.textContent = data.healthy ? "healthy" : "degraded";
          dom.health.className = "banner " + (data.healthy ? "ok" : "bad");
          dom.summary.textContent =
            data.successes + " ok / " + data.failures + " failed in the last 24h";
          dom.historyState.textContent = "history: " + data.history.status +
            (data.history.itemsTotal ? " (" + data.history.itemsProcessed + "/" + data.history.itemsTotal + ")" : "");
        } catch (err) {
          dom.health.textContent = "unreachable";
          dom.health.className = "banner bad";
        }
      };

      const connect = () => {
        const proto = location.protocol === "https:" ? "wss://" : "ws://";
        const ws = new WebSocket(proto + location.host + "/v1/logs/stream?token=" + encodeURIComponent(dom.token.value));
        ws.onmessage = (msg) => addRow(JSON.parse(msg.data));
        ws.onclose = () => setTimeout(connect, 5000);
      };

      dom.trigger.addEventListener("click", () =>
        fetch("/v1/sync/trigger", { method: "POST", headers: headers() }).then(refresh));
      dom.historyStart.addEventListener("click", () =>
        fetch("/v1/history/start", {
          method: "POST", headers: headers(),
          body: JSON.stringify({ days: Number(dom.days.value) }),
        }).then(refresh));
      dom.historyCancel.addEventListener("click", () =>
        fetch("/v1/history/cancel", { method: "POST", headers: headers() }).then(refresh));

      refresh();
      connect();
      setInterval(refresh, 10000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
