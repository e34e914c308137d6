// Command wsreactor-chat runs a broadcast chat server: every inbound TEXT
// message from any client is fanned out to every connected client in the
// OK state, the sender included, grounded on the teacher's Hub.Broadcast.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coregx/wsreactor/bsdsock"
	"github.com/coregx/wsreactor/internal/wsconfig"
	"github.com/coregx/wsreactor/reactor"
	"github.com/coregx/wsreactor/websocket"
)

// chatHandler fans an author's message out to every client, the author
// included, via the server it was constructed with. It holds no
// per-connection state, only the server and the log; the handler factory
// builds a fresh instance for each accepted client.
type chatHandler struct {
	websocket.DefaultHandler
	server *websocket.Server
	log    *zap.Logger
}

func (h *chatHandler) OnStateOK(c *websocket.Client) {
	h.log.Info("joined", zap.String("trace_id", c.TraceID()))
	h.server.Broadcast(websocket.OpcodeText, []byte(fmt.Sprintf("* %s joined (%d online)", c.TraceID()[:8], h.server.ClientCount())))
}

func (h *chatHandler) OnText(c *websocket.Client, text string) {
	msg := fmt.Sprintf("%s: %s", c.TraceID()[:8], text)
	h.server.Broadcast(websocket.OpcodeText, []byte(msg))
}

func (h *chatHandler) OnClose(c *websocket.Client, code websocket.CloseCode, reason []byte) {
	h.log.Info("left", zap.String("trace_id", c.TraceID()), zap.String("code", code.String()))
}

func main() {
	configFile := flag.String("config", "", "path to a wsreactor config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := wsconfig.Load(*configFile)
	if err != nil {
		panic(err)
	}

	log, err := wsconfig.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	listener, err := bsdsock.Listen(cfg.ListenAddr, cfg.Backlog)
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}

	react := reactor.New(nil, log)

	var server *websocket.Server
	server = websocket.NewServer(listener, react, cfg.Options(), func(c *websocket.Client) websocket.Handler {
		return &chatHandler{server: server, log: log}
	}, log)

	log.Info("wsreactor-chat listening", zap.String("addr", cfg.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	tick := 250 * time.Millisecond
	for {
		select {
		case <-sig:
			log.Info("shutting down")
			_ = server.Close(websocket.CloseGoingAway, "server shutting down")
			return
		default:
		}

		if _, err := react.React(&tick); err != nil {
			log.Error("reactor error", zap.Error(err))
		}
	}
}
