package server

// defaultHTML is served when web/static/index.html is not on disk
const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Clap Countdown</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
    <style>
        #countdown { font-size: 6rem; text-align: center; margin: 1rem 0; }
        #indicator { visibility: hidden; text-align: center; }
        #indicator.on { visibility: visible; }
        #toast { min-height: 2rem; text-align: center; }
        #toast.error { color: #c62828; }
        #toast.success, #toast.victory { color: #2e7d32; }
        meter { width: 100%; }
        .confetti { animation: pulse 0.5s infinite alternate; }
        @keyframes pulse { from { opacity: 0.4; } to { opacity: 1; } }
    </style>
</head>
<body>
<main class="container">
    <h1>Clap Countdown</h1>
    <p id="status">Connecting...</p>
    <div id="countdown">10</div>
    <div id="indicator">Clap! <span id="score"></span></div>
    <meter id="level" min="0" max="100" value="0"></meter>
    <p id="toast"></p>
    <div role="group">
        <button id="permission">Allow microphone</button>
        <button id="listen">Start listening</button>
        <button id="test" class="secondary">Test clap</button>
        <button id="reset" class="contrast">Reset</button>
    </div>
</main>
<script>
const $ = (id) => document.getElementById(id);
let state = {};

function post(path) {
    return fetch(path, { method: "POST" }).then((r) => r.json());
}

function render() {
    $("countdown").textContent = state.countdown;
    $("countdown").className = state.celebrating ? "confetti" : "";
    $("status").textContent = state.status_text;
    $("indicator").className = state.clap_indicator ? "on" : "";
    $("score").textContent = state.last_score != null ? "score " + state.last_score.toFixed(2) : "";
    $("permission").disabled = state.permission === "GRANTED";
    $("listen").disabled = state.permission !== "GRANTED" || state.disabled;
    $("listen").textContent = state.listening ? "Stop listening" : "Start listening";
    $("test").disabled = !state.listening || state.disabled || state.processing;
    if (!state.listening) { $("level").value = 0; }
}

function connect() {
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/events");
    ws.onmessage = (msg) => {
        const ev = JSON.parse(msg.data);
        switch (ev.type) {
        case "state": state = ev.payload; render(); break;
        case "level": if (state.listening) { $("level").value = ev.payload.percent; } break;
        case "toast": $("toast").textContent = ev.toast.message; $("toast").className = ev.toast.type; break;
        case "toast_dismissed": $("toast").textContent = ""; break;
        }
    };
    ws.onclose = () => setTimeout(connect, 1000);
}

$("permission").onclick = () => post("/permission");
$("listen").onclick = () => post(state.listening ? "/listen/stop" : "/listen/start");
$("test").onclick = () => post("/test-clap");
$("reset").onclick = () => post("/reset");
connect();
</script>
</body>
</html>`
