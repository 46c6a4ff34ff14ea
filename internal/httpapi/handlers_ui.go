package httpapi

import "net/http"

func handleUI() http.HandlerFunc {
	page := `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Broadcast Node</title>
  <style>
    :root {
      --ink: #1c1f24;
      --muted: #5b616b;
      --accent: #2f6fb0;
      --warn: #b0482f;
      --panel: #f7f9fc;
      --line: #d8dee8;
      --shadow: 0 8px 24px rgba(20, 30, 45, 0.08);
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Helvetica Neue", Arial, sans-serif;
      color: var(--ink);
      background: linear-gradient(180deg, #f2f5f9 0%, #e9eef4 100%);
      min-height: 100vh;
    }
    .page { max-width: 1080px; margin: 0 auto; padding: 24px 16px 40px; }
    .card {
      padding: 16px;
      margin-top: 16px;
      border-radius: 14px;
      border: 1px solid var(--line);
      background: var(--panel);
      box-shadow: var(--shadow);
    }
    .card h2 { margin: 0 0 10px; font-size: 17px; }
    .stats {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(auto-fit, minmax(140px, 1fr));
    }
    .stat { font-size: 12px; color: var(--muted); }
    .stat b { display: block; font-size: 18px; color: var(--ink); }
    .role-leader b { color: var(--accent); }
    .role-candidate b { color: var(--warn); }
    textarea {
      width: 100%;
      min-height: 72px;
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 10px;
      font-family: "Courier New", Courier, monospace;
    }
    button {
      margin-top: 8px;
      border: none;
      border-radius: 999px;
      padding: 9px 16px;
      cursor: pointer;
      color: #fff;
      background: var(--accent);
    }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    td.data { font-family: "Courier New", Courier, monospace; word-break: break-all; }
    .hint { font-size: 12px; color: var(--muted); margin-top: 8px; }
  </style>
</head>
<body>
  <div class="page">
    <h1>Broadcast Node</h1>

    <section class="card">
      <h2>Status</h2>
      <div class="stats" id="stats"></div>
      <div class="hint" id="leader"></div>
    </section>

    <section class="card">
      <h2>Publish</h2>
      <textarea id="message" placeholder="message text"></textarea>
      <button id="btnPublish">Broadcast</button>
      <div class="hint" id="publishResult">Messages are accepted by the leader only.</div>
    </section>

    <section class="card">
      <h2>Latest deliveries</h2>
      <table>
        <thead><tr><th>Index</th><th>Term</th><th>ID</th><th>Data</th></tr></thead>
        <tbody id="deliveries"></tbody>
      </table>
    </section>
  </div>

  <script>
    const statsEl = document.getElementById("stats");
    const leaderEl = document.getElementById("leader");
    const rowsEl = document.getElementById("deliveries");
    const resultEl = document.getElementById("publishResult");
    let next = 0;

    function stat(label, value, cls) {
      return '<div class="stat ' + (cls || "") + '">' + label + "<b>" + value + "</b></div>";
    }

    function decode(b64) {
      try {
        return new TextDecoder().decode(Uint8Array.from(atob(b64 || ""), c => c.charCodeAt(0)));
      } catch {
        return b64;
      }
    }

    function escape(s) {
      return String(s).replace(/[&<>"]/g, c => ({ "&": "&amp;", "<": "&lt;", ">": "&gt;", '"': "&quot;" }[c]));
    }

    async function refreshStatus() {
      const res = await fetch("/status");
      const st = await res.json();
      statsEl.innerHTML =
        stat("Node", escape(st.id)) +
        stat("Role", st.role, "role-" + st.role) +
        stat("Term", st.term) +
        stat("Log length", st.log_length) +
        stat("Committed", st.commit_length) +
        stat("Delivered", st.delivered);
      const hint = st.leader_hint || {};
      let text = hint.leader_id ? "Leader: " + hint.leader_id + (hint.leader_addr ? " (" + hint.leader_addr + ")" : "") : "Leader unknown";
      if (st.unreachable && st.unreachable.length) text += " | unreachable: " + st.unreachable.join(", ");
      leaderEl.textContent = text;
    }

    async function refreshDeliveries() {
      const res = await fetch("/deliveries?from=" + next + "&limit=100");
      const body = await res.json();
      for (const r of body.records || []) {
        const tr = document.createElement("tr");
        tr.innerHTML = "<td>" + r.index + "</td><td>" + r.term + "</td><td>" + escape(r.id || "-") +
          "</td><td class=\"data\">" + escape(decode(r.data)) + "</td>";
        rowsEl.prepend(tr);
      }
      next = body.next;
      while (rowsEl.children.length > 50) rowsEl.lastChild.remove();
    }

    async function tick() {
      try {
        await refreshStatus();
        await refreshDeliveries();
      } catch (err) {
        leaderEl.textContent = "Node unreachable: " + err;
      }
    }

    document.getElementById("btnPublish").addEventListener("click", async () => {
      const text = document.getElementById("message").value;
      const data = btoa(String.fromCharCode(...new TextEncoder().encode(text)));
      const res = await fetch("/broadcast", {
        method: "POST",
        headers: { "Content-Type": "application/json" },
        body: JSON.stringify({ data }),
        redirect: "manual"
      });
      if (res.type === "opaqueredirect" || res.status === 307) {
        resultEl.textContent = "Not the leader; check the leader hint above.";
        return;
      }
      const body = await res.json();
      resultEl.textContent = res.ok ? "Published " + body.id + " at index " + body.index : "Failed: " + body.message;
    });

    tick();
    setInterval(tick, 1000);
  </script>
</body>
</html>`

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page))
	}
}
