package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"roomhost/server"
)

const shutdownTimeout = 5 * time.Second

// roomhost 入口：加载配置，启动 HTTP + WebSocket 服务，注册默认房间类型
func main() {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load .env: %v\n", err)
	}

	cmd := &cli.Command{
		Name:  "roomhost",
		Usage: "authoritative real-time room server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "listen host (env HOST)"},
			&cli.IntFlag{Name: "port", Usage: "listen port (env PORT, default 4001)"},
			&cli.StringFlag{Name: "log-file", Usage: "rolling log file, empty disables (env LOG_FILE)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error (env LOG_LEVEL)"},
			&cli.BoolFlag{Name: "log-console", Usage: "also log to stderr (env LOG_CONSOLE)"},
			&cli.IntFlag{Name: "max-clients", Usage: "clients per room, 0 = unbounded (env ROOM_MAX_CLIENTS)"},
			&cli.Float64Flag{Name: "move-max-distance", Usage: "reject moves longer than this, 0 = trust client (env MOVE_MAX_DISTANCE)"},
			&cli.StringFlag{Name: "codec", Usage: "default wire codec json|msgpack (env DEFAULT_CODEC)"},
			&cli.BoolFlag{Name: "deadlock-detect", Usage: "report lock waits over 30s and exit (env DEADLOCK_DETECT)"},
			&cli.StringFlag{Name: "static-dir", Usage: "serve client files from this directory (env STATIC_DIR)"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	applyFlags(&cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ApplyLockDiagnostics()

	if err := server.InitLogger(cfg.Logging()); err != nil {
		return err
	}
	defer server.SyncLogger()

	rm := server.NewRoomManager()
	rm.Define(server.DefaultRoomType, cfg.RoomOptions())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.NewMux(rm, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Log.Infof("roomhost listening on ws://%s/ws", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		server.Log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先关闭房间（断开 websocket），再关闭 HTTP 监听
		if err := rm.Shutdown(shutdownCtx); err != nil {
			server.Log.Warnw("room shutdown incomplete", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// applyFlags 仅覆盖显式设置的参数，其余保持环境变量的值
func applyFlags(cfg *server.Config, cmd *cli.Command) {
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}
	if cmd.IsSet("log-file") {
		cfg.LogFile = cmd.String("log-file")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-console") {
		cfg.LogConsole = cmd.Bool("log-console")
	}
	if cmd.IsSet("max-clients") {
		cfg.RoomMaxClients = cmd.Int("max-clients")
	}
	if cmd.IsSet("move-max-distance") {
		cfg.MoveMaxDistance = cmd.Float64("move-max-distance")
	}
	if cmd.IsSet("codec") {
		cfg.DefaultCodec = cmd.String("codec")
	}
	if cmd.IsSet("deadlock-detect") {
		cfg.DeadlockDetect = cmd.Bool("deadlock-detect")
	}
	if cmd.IsSet("static-dir") {
		cfg.StaticDir = cmd.String("static-dir")
	}
}
