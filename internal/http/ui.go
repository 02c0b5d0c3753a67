package http

import (
	"bytes"
	"html/template"
	nethttp "net/http"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"lab-report-dashboard/internal/config"
	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/dashboard"
)

type chartFrame struct {
	Name  string
	Title string
}

type dashboardView struct {
	Snap            *dashboard.Snapshot
	UpstreamEnabled bool
	Upstream        string
	Updated         string
	NoAlerts        string
	Charts          []chartFrame
	TopTestsLimit   int
	AlertsLimit     int
}

func (v dashboardView) Failed(panel string) bool {
	return v.Snap.Failed(panel)
}

func (v dashboardView) Error(panel string) string {
	return v.Snap.Errors[panel]
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"comma": humanize.Comma,
}).Parse(dashboardHTML))

func dashboardHandler(snapshots *snapshotCache, client *labapi.Client, cfg config.Config) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/" {
			nethttp.NotFound(w, r)
			return
		}

		snap := snapshots.Get(r.Context(), parseRefresh(r))
		view := dashboardView{
			Snap:            snap,
			UpstreamEnabled: client.Enabled(),
			Upstream:        client.Endpoint(),
			Updated:         humanize.Time(snap.GeneratedAt),
			NoAlerts:        dashboard.NoAlertsMessage,
			TopTestsLimit:   cfg.TopTestsLimit,
			AlertsLimit:     cfg.AlertsLimit,
			Charts: []chartFrame{
				{Name: dashboard.ChartStatus, Title: "Result Status"},
				{Name: dashboard.ChartLabs, Title: "Affected Tests"},
				{Name: dashboard.ChartGender, Title: "Patients by Gender"},
			},
		}

		var buf bytes.Buffer
		if err := dashboardTemplate.Execute(&buf, view); err != nil {
			log.Error().Err(err).Msg("render dashboard page")
			nethttp.Error(w, "failed to render dashboard", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

func faviconHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.WriteHeader(nethttp.StatusNoContent)
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Lab Report Dashboard</title>
  <style>
    :root {
      --brand: #1f3c88;
      --brand-2: #2f5fbf;
      --bg: #f7f7f7;
      --paper: #fff;
      --text: #333;
      --muted: #777;
      --line: #ddd;
      --head: #f0f0f0;
      --ok-bg: #dff0d8;
      --ok-text: #3c763d;
      --bad-bg: #f2dede;
      --bad-text: #a94442;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      background: var(--bg);
      color: var(--text);
      font-family: "Helvetica Neue", Helvetica, Arial, sans-serif;
      font-size: 14px;
      line-height: 1.42857143;
    }

    header {
      background: linear-gradient(to right, var(--brand) 0, var(--brand-2) 100%);
      box-shadow: 0 2px 5px rgba(0, 0, 0, 0.15);
    }

    .container { margin: 0 auto; padding: 0 15px; max-width: 1480px; }

    .header-inner {
      min-height: 64px;
      display: flex;
      align-items: center;
      justify-content: space-between;
      gap: 16px;
    }

    .navbar-brand { color: #fff; font-size: 22px; font-weight: 300; }
    .navbar-brand strong { font-weight: 600; }
    .navbar-note { color: rgba(255, 255, 255, 0.88); font-size: 13px; text-align: right; }

    main { padding: 18px 0 32px; }

    .banner {
      background: #fcf8e3;
      border: 1px solid #faebcc;
      color: #8a6d3b;
      padding: 8px 12px;
      margin-bottom: 14px;
    }

    .counters {
      display: grid;
      grid-template-columns: repeat(5, 1fr);
      gap: 14px;
      margin-bottom: 14px;
    }

    .counter {
      background: var(--paper);
      border: 1px solid var(--line);
      padding: 12px;
    }
    .counter .label { color: var(--muted); font-size: 12px; text-transform: uppercase; letter-spacing: 0.5px; }
    .counter .value { font-size: 28px; font-weight: 300; }
    .counter.critical .value { color: var(--bad-text); }

    .panel-grid {
      display: grid;
      gap: 14px;
      grid-template-columns: repeat(3, 1fr);
      margin-bottom: 14px;
    }
    .panel-grid.two { grid-template-columns: 1.2fr 1fr; }

    .panel { border: 1px solid var(--line); background: var(--paper); }
    .panel-heading { padding: 10px 12px; border-bottom: 1px solid var(--line); background: var(--head); }
    .panel-body { padding: 10px 12px 12px; }

    h3 { margin: 0; font-size: 16px; font-weight: 600; color: #444; }

    iframe { width: 100%; height: 520px; border: 0; }

    table { width: 100%; border-collapse: collapse; }
    th, td { padding: 8px; border-top: 1px solid var(--line); text-align: left; font-size: 13px; }
    thead th {
      border-bottom: 2px solid var(--line);
      border-top: 0;
      color: #555;
      font-size: 11px;
      text-transform: uppercase;
      background: #fafafa;
    }
    tbody tr:nth-child(odd) td { background: #f9f9f9; }

    .pill {
      display: inline-block;
      border-radius: 2px;
      font-size: 11px;
      padding: 2px 6px;
      font-weight: 700;
      text-transform: uppercase;
    }
    .ok { color: var(--ok-text); background: var(--ok-bg); }
    .bad { color: var(--bad-text); background: var(--bad-bg); }

    .error { color: var(--bad-text); background: var(--bad-bg); padding: 6px 8px; }
    .hint { color: var(--muted); font-size: 12px; margin-top: 8px; }

    ul.alerts { list-style: none; margin: 0; padding: 0; }
    ul.alerts li { padding: 6px 0; border-bottom: 1px solid #eee; }

    .chat-box { height: 340px; overflow-y: auto; border: 1px solid var(--line); padding: 8px; background: #fff; }
    .msg { margin: 0 0 8px; }
    .msg.user { color: var(--brand); font-weight: 600; }
    .msg.bot p { margin: 4px 0; }
    .msg .confidence { color: var(--muted); font-size: 12px; }
    .chat-form { display: flex; gap: 8px; margin-top: 8px; }
    .chat-form input { flex: 1; padding: 6px 8px; border: 1px solid var(--line); }
    button { border: 1px solid var(--brand); background: var(--brand); color: #fff; padding: 6px 10px; cursor: pointer; }
    button.secondary { background: #f3f8fc; color: var(--brand); }

    @media (max-width: 1100px) {
      .counters, .panel-grid, .panel-grid.two { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <header>
    <div class="container header-inner">
      <div class="navbar-brand"><strong>Lab</strong> Report Dashboard</div>
      <div class="navbar-note">updated {{.Updated}}{{if .UpstreamEnabled}} &middot; {{.Upstream}}{{end}}</div>
    </div>
  </header>

  <main>
    <div class="container">
      {{if not .UpstreamEnabled}}
      <div class="banner">Lab report API disabled. Set APP_UPSTREAM_BASE_URL to load reports.</div>
      {{end}}

      {{if .Failed "summary"}}
      <div class="error">Summary unavailable: {{.Error "summary"}}</div>
      {{end}}
      <section class="counters">
        <div class="counter"><div class="label">Total Tests</div><div class="value" id="count-total">{{comma .Snap.Counters.Total}}</div></div>
        <div class="counter"><div class="label">Normal</div><div class="value" id="count-normal">{{comma .Snap.Counters.Normal}}</div></div>
        <div class="counter"><div class="label">Abnormal</div><div class="value" id="count-abnormal">{{comma .Snap.Counters.Abnormal}}</div></div>
        <div class="counter critical"><div class="label">Critical</div><div class="value" id="count-critical">{{comma .Snap.Counters.Critical}}</div></div>
        <div class="counter"><div class="label">Unknown</div><div class="value" id="count-unknown">{{comma .Snap.Counters.Unknown}}</div></div>
      </section>

      <section class="panel-grid">
        {{range .Charts}}
        <article class="panel">
          <div class="panel-heading"><h3>{{.Title}}</h3></div>
          <div class="panel-body"><iframe src="/charts/{{.Name}}" title="{{.Title}}" loading="lazy"></iframe></div>
        </article>
        {{end}}
      </section>

      <section class="panel-grid two">
        <article class="panel">
          <div class="panel-heading"><h3>Top {{.TopTestsLimit}} Affected Tests</h3></div>
          <div class="panel-body">
            {{if .Failed "by_lab"}}
            <div class="error">Tests unavailable: {{.Error "by_lab"}}</div>
            {{else}}
            <table id="top-tests">
              <thead><tr><th>Test</th><th>Status</th><th>Patients</th></tr></thead>
              <tbody>
                {{range .Snap.TopTests}}
                <tr>
                  <td>{{.TestName}}</td>
                  <td><span class="pill {{if eq .Status "NORMAL"}}ok{{else}}bad{{end}}">{{.Status}}</span></td>
                  <td>{{comma .PatientCount}}</td>
                </tr>
                {{else}}
                <tr><td colspan="3">No lab results.</td></tr>
                {{end}}
              </tbody>
            </table>
            {{end}}
          </div>
        </article>

        <article class="panel">
          <div class="panel-heading"><h3>Unreviewed Critical Alerts</h3></div>
          <div class="panel-body">
            {{if .Failed "unreviewed_critical"}}
            <div class="error">Alerts unavailable: {{.Error "unreviewed_critical"}}</div>
            {{else if .Snap.AlertsEmpty}}
            <p id="alerts-empty">{{.NoAlerts}}</p>
            {{else}}
            <ul class="alerts" id="alerts">
              {{range .Snap.Alerts}}<li>{{.Line}}</li>{{end}}
            </ul>
            <div class="hint">Showing up to {{.AlertsLimit}} alerts.</div>
            {{end}}
          </div>
        </article>
      </section>

      <section class="panel-grid two">
        <article class="panel">
          <div class="panel-heading"><h3>Patient Chat</h3></div>
          <div class="panel-body">
            <div class="chat-form">
              <input id="subject" placeholder="Subject ID" autocomplete="off" />
              <button class="secondary" id="abnormal-btn" type="button">Abnormal labs</button>
            </div>
            <div class="hint" id="summary-status">Enter a subject to load the AI summary.</div>
            <div id="summary"></div>
            <div class="hint" id="disclaimer"></div>
            <div class="chat-box" id="chat"></div>
            <form class="chat-form" id="ask-form">
              <input id="question" placeholder="Ask about this patient's labs" autocomplete="off" />
              <button type="submit">Ask</button>
            </form>
          </div>
        </article>

        <article class="panel">
          <div class="panel-heading"><h3>Abnormal Labs</h3></div>
          <div class="panel-body">
            <table>
              <thead><tr><th>Test</th><th>Value</th><th>Status</th><th>Reason</th></tr></thead>
              <tbody id="abnormal"><tr><td colspan="4">Select a subject.</td></tr></tbody>
            </table>
          </div>
        </article>
      </section>
    </div>
  </main>

  <script>
    const el = (id) => document.getElementById(id);
    let subject = "";
    let socket = null;

    function cell(tr, v) {
      const td = document.createElement("td");
      td.textContent = v;
      tr.appendChild(td);
    }

    function appendUser(text) {
      const p = document.createElement("p");
      p.className = "msg user";
      p.textContent = "You: " + text;
      el("chat").appendChild(p);
    }

    function appendBot(answerHTML, percent) {
      const div = document.createElement("div");
      div.className = "msg bot";
      div.innerHTML = answerHTML;
      const c = document.createElement("span");
      c.className = "confidence";
      c.textContent = "(Confidence: " + percent + "%)";
      div.appendChild(c);
      el("chat").appendChild(div);
      el("chat").scrollTop = el("chat").scrollHeight;
    }

    function appendError(text) {
      const p = document.createElement("p");
      p.className = "msg error";
      p.textContent = text;
      el("chat").appendChild(p);
    }

    function subjectURL(action) {
      return "/api/v1/subjects/" + encodeURIComponent(subject) + "/" + action;
    }

    function waitForSummary() {
      if (socket) socket.close();
      el("summary").innerHTML = "";
      el("disclaimer").textContent = "";
      el("summary-status").textContent = "Generating AI summary...";
      const proto = location.protocol === "https:" ? "wss://" : "ws://";
      const ws = new WebSocket(proto + location.host + subjectURL("summary/wait"));
      socket = ws;
      ws.onmessage = (ev) => {
        if (socket !== ws) return;
        const msg = JSON.parse(ev.data);
        if (msg.type === "ready") {
          el("summary-status").textContent = "";
          el("summary").innerHTML = msg.data.summary_html || "";
          el("disclaimer").textContent = msg.data.disclaimer || "";
        } else if (msg.type === "error") {
          el("summary-status").textContent = "AI summary unavailable: " + msg.error;
        }
      };
      ws.onerror = () => {
        if (socket === ws) el("summary-status").textContent = "AI summary connection failed.";
      };
    }

    async function loadTranscript() {
      el("chat").innerHTML = "";
      const res = await fetch(subjectURL("transcript"));
      if (!res.ok) return;
      const body = await res.json();
      for (const ex of body.data || []) {
        appendUser(ex.question);
        appendBot(ex.answer_html || "", ex.confidence_percent);
      }
    }

    async function loadAbnormal() {
      const tbody = el("abnormal");
      tbody.innerHTML = "";
      if (!subject) return;
      const res = await fetch(subjectURL("abnormal"));
      const body = await res.json();
      if (!res.ok) {
        const tr = document.createElement("tr");
        cell(tr, body.error || ("HTTP " + res.status));
        tbody.appendChild(tr);
        return;
      }
      for (const row of body.data || []) {
        const tr = document.createElement("tr");
        cell(tr, row.test_name);
        cell(tr, row.value + " " + (row.unit || ""));
        cell(tr, row.status);
        cell(tr, row.reason || "");
        tbody.appendChild(tr);
      }
    }

    el("subject").addEventListener("change", () => {
      subject = el("subject").value.trim();
      if (!subject) {
        if (socket) socket.close();
        socket = null;
        el("summary-status").textContent = "Enter a subject to load the AI summary.";
        el("summary").innerHTML = "";
        el("chat").innerHTML = "";
        return;
      }
      waitForSummary();
      loadTranscript().catch(() => {});
    });

    el("abnormal-btn").addEventListener("click", () => { loadAbnormal().catch(() => {}); });

    el("ask-form").addEventListener("submit", async (ev) => {
      ev.preventDefault();
      const question = el("question").value.trim();
      if (!subject || !question) return;
      appendUser(question);
      el("question").value = "";
      try {
        const res = await fetch(subjectURL("ask"), {
          method: "POST",
          headers: { "Content-Type": "application/json" },
          body: JSON.stringify({ question: question })
        });
        const body = await res.json();
        if (!res.ok) {
          appendError(body.error || ("HTTP " + res.status));
          return;
        }
        appendBot(body.data.answer_html, body.data.confidence_percent);
      } catch (err) {
        appendError("Ask failed: " + err);
      }
    });
  </script>
</body>
</html>
`
