// Command chatclient logs in to a chatserver, keeps the session alive with
// heartbeats and optionally sends one chat message. Every frame received is
// logged.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/protocol"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
	"github.com/ripperdev/flamingo/tcpclient"
)

var (
	serverAddr = flag.String("addr", "127.0.0.1:20000", "chatserver address")
	username   = flag.String("user", "", "username")
	password   = flag.String("password", "", "password")
	clientType = flag.Int("clienttype", 1, "client type reported at login")
	target     = flag.Int("to", 0, "user or group id to send -text to after login")
	text       = flag.String("text", "", "chat text")
	heartbeat  = flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	logLevel   = flag.String("loglevel", "info", "log level")
)

type client struct {
	log    logger.Logger
	loop   *reactor.EventLoop
	tcp    *tcpclient.TcpClient
	seq    int32
	timer  reactor.TimerID
	ticker bool
}

func (c *client) send(conn *connection.TcpConnection, w *protocol.BinaryStreamWriter) {
	frame, err := protocol.EncodeFrame(w.Bytes())
	if err != nil {
		c.log.Error("encode frame", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	conn.Send(frame)
}

func (c *client) request(cmd protocol.Cmd, data string) *protocol.BinaryStreamWriter {
	c.seq++
	return protocol.Message{Cmd: cmd, Seq: c.seq, Data: data}.Writer()
}

func (c *client) onConnection(conn *connection.TcpConnection) {
	if !conn.Connected() {
		c.log.Info("disconnected")
		if c.ticker {
			c.loop.Remove(c.timer)
			c.ticker = false
		}

		return
	}

	c.log.Info("connected", logger.Field{Key: "conn", Value: conn.Name()})
	login, _ := json.Marshal(map[string]any{
		"username":   *username,
		"password":   *password,
		"clienttype": *clientType,
		"status":     1,
	})
	c.send(conn, c.request(protocol.CmdLogin, string(login)))
}

func (c *client) onMessage(conn *connection.TcpConnection, buf *connection.Buffer, _ reactor.Timestamp) {
	for {
		body, err := protocol.ReadFrame(buf)
		if err != nil {
			c.log.Error("bad frame", logger.Field{Key: "error", Value: err.Error()})
			conn.ForceClose()
			return
		}

		if body == nil {
			return
		}

		msg, _, err := protocol.DecodeMessage(body)
		if err != nil {
			c.log.Error("bad body", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if msg.Cmd == protocol.CmdHeartbeat {
			continue
		}

		c.log.Info("received",
			logger.Field{Key: "cmd", Value: msg.Cmd.String()},
			logger.Field{Key: "seq", Value: msg.Seq},
			logger.Field{Key: "data", Value: msg.Data})

		if msg.Cmd == protocol.CmdLogin {
			c.onLogin(conn, msg.Data)
		}
	}
}

func (c *client) onLogin(conn *connection.TcpConnection, data string) {
	var reply struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal([]byte(data), &reply); err != nil || reply.Code != 0 {
		c.log.Error("login failed", logger.Field{Key: "reply", Value: data})
		conn.ForceClose()
		return
	}

	if !c.ticker {
		c.timer = c.loop.RunEvery(*heartbeat, func() {
			if tc := c.tcp.Connection(); tc != nil && tc.Connected() {
				c.send(tc, c.request(protocol.CmdHeartbeat, ""))
			}
		})
		c.ticker = true
	}

	if *target == 0 || *text == "" {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"msgType": 1,
		"time":    time.Now().Unix(),
		"content": *text,
	})
	w := c.request(protocol.CmdChat, string(payload))
	w.WriteInt32(int32(*target))
	c.send(conn, w)
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatclient:", err)
		os.Exit(1)
	}
}

func run() error {
	if *username == "" {
		return fmt.Errorf("-user is required")
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		return err
	}

	log := logger.NewConsoleLogger("chatclient", level)
	defer log.Close()

	addr, err := sockets.ParseInetAddress(*serverAddr)
	if err != nil {
		return err
	}

	loop, err := reactor.NewEventLoop(reactor.DefaultConfig("chatclient"))
	if err != nil {
		return err
	}

	c := &client{log: log, loop: loop}
	c.tcp = tcpclient.NewTcpClient(loop, addr, "chatclient", log)
	c.tcp.EnableRetry()
	c.tcp.SetConnectionCallback(c.onConnection)
	c.tcp.SetMessageCallback(c.onMessage)
	c.tcp.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		loop.RunInLoop(func() {
			c.tcp.Stop()
			c.tcp.Disconnect()
			loop.Quit()
		})
	}()

	loop.Loop()
	return loop.Close()
}
