// Command wsreactor-echo runs a single-endpoint WebSocket echo server: every
// inbound TEXT or BINARY message is written back to its sender unchanged.
package main

import (
	"flag"
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

type echoHandler struct {
	websocket.DefaultHandler
	log *zap.Logger
}

func (h *echoHandler) OnStateOK(c *websocket.Client) {
	h.log.Info("client connected", zap.String("trace_id", c.TraceID()))
}

func (h *echoHandler) OnText(c *websocket.Client, text string) {
	if err := c.SendText(text); err != nil {
		h.log.Debug("echo write failed", zap.String("trace_id", c.TraceID()), zap.Error(err))
	}
}

func (h *echoHandler) OnBinary(c *websocket.Client, data []byte) {
	if err := c.SendBinary(data); err != nil {
		h.log.Debug("echo write failed", zap.String("trace_id", c.TraceID()), zap.Error(err))
	}
}

func (h *echoHandler) OnClose(c *websocket.Client, code websocket.CloseCode, reason []byte) {
	h.log.Info("client closed", zap.String("trace_id", c.TraceID()), zap.String("code", code.String()))
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
	opts := cfg.Options()
	server := websocket.NewServer(listener, react, opts, func(c *websocket.Client) websocket.Handler {
		return &echoHandler{log: log}
	}, log)

	log.Info("wsreactor-echo listening", zap.String("addr", cfg.ListenAddr))

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
