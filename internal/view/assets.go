package view

import "github.com/a-h/templ"

func inlineStyle() templ.Component {
	return templ.Raw("<style>" + stylesheet + "</style>")
}

func inlineScript() templ.Component {
	return templ.Raw("<script>" + liveScript + "</script>")
}

// stylesheet は最小限のインラインスタイル。
const stylesheet = `
.container{max-width:800px;margin:0 auto;padding:0 1rem;font-family:sans-serif}
.bar{display:flex;justify-content:space-between;align-items:center;padding:1.25rem 1rem;background:rgba(0,0,0,.1);border-radius:0 0 6px 6px}
h1{text-align:center;font-size:1.5rem;font-weight:normal;margin:1.5rem 0}
.status{padding:0 .25rem;background:#ffffe8;color:#dc2626;min-height:1.2em}
input[type=text]{display:block;width:100%;box-sizing:border-box;padding:.5rem;margin-bottom:.5rem;border:1px solid #cdcdcd;border-radius:4px;font-size:1rem}
button{padding:.75rem 1.25rem;border:1px solid #cdcdcd;border-radius:4px;background:#fff;cursor:pointer;font-size:1rem}
button.primary{border-color:#0366ee;background:#0366ee;color:#fff;font-weight:600}
.display{text-align:center}
.display .state{font-size:1.25rem;margin:1rem 0}
.display img{border-radius:50%}
.prompt{border:1px solid #cdcdcd;border-radius:6px}
`

// liveScript はSession変更の通知をWebSocketで受け取り、HeaderとDisplayを差し替える。
// ログインフォームは入力中の値とステータス行を保つため差し替えず、
// ログイン状態の変化に合わせて追加または削除だけを行う。切断時は2秒後に再接続する。
const liveScript = `
(function () {
  var headerID = "` + SessionHeaderID + `";
  var displayID = "` + SessionDisplayID + `";
  var formID = "` + LoginFormID + `";
  function swap(html) {
    var t = document.createElement("template");
    t.innerHTML = html;
    [headerID, displayID].forEach(function (id) {
      var next = t.content.getElementById(id);
      var cur = document.getElementById(id);
      if (next && cur) { cur.replaceWith(next); }
    });
    var nextForm = t.content.getElementById(formID);
    var curForm = document.getElementById(formID);
    if (!nextForm && curForm) { curForm.remove(); }
    if (nextForm && !curForm) {
      var display = document.getElementById(displayID);
      if (display) { display.before(nextForm); }
    }
  }
  function refresh() {
    fetch("/fragments/session", {credentials: "same-origin"})
      .then(function (r) { return r.ok ? r.text() : null; })
      .then(function (html) { if (html) { swap(html); } });
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onmessage = refresh;
    ws.onclose = function () { setTimeout(connect, 2000); };
  }
  connect();
})();
`
