package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/AtlasGo/JATOS/internal/logging"
	"github.com/AtlasGo/JATOS/internal/protocol"
)

type options struct {
	url        string
	studyID    int64
	batchID    int64
	workerType string
	workerID   int64
	group      bool
	channel    string
	finish     bool
	retries    int
	retryDelay time.Duration
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Run a study as one participant and relay a live channel over stdin/stdout",
		Long: "participant starts a study run with its own cookie jar, optionally joins a group, " +
			"opens the group or batch channel and sends every stdin line as a message. " +
			"Received frames are printed one per line.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(opts.logLevel, logging.FormatText, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), logger.Logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.url, "url", "http://localhost:9000", "publix base URL including the base path")
	fs.Int64Var(&opts.studyID, "study", 0, "study id")
	fs.Int64Var(&opts.batchID, "batch", 0, "batch id; 0 uses the study's first batch")
	fs.StringVar(&opts.workerType, "worker-type", "GeneralMultiple", "worker type")
	fs.Int64Var(&opts.workerID, "worker-id", 0, "worker id for personal and Jatos workers")
	fs.BoolVar(&opts.group, "group", false, "join a group before opening the channel")
	fs.StringVar(&opts.channel, "channel", "", "channel to open: group, batch or none; default group with --group, else none")
	fs.BoolVar(&opts.finish, "finish", true, "finish the study run when stdin ends")
	fs.IntVar(&opts.retries, "retries", 10, "start attempts before giving up")
	fs.DurationVar(&opts.retryDelay, "retry-delay", 400*time.Millisecond, "pause between start attempts")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

// startResponse holds the fields of a start response the tool uses.
type startResponse struct {
	StudyResult struct {
		ID int64 `json:"id"`
	} `json:"studyResult"`
	Component struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"component"`
}

type groupResponse struct {
	ID int64 `json:"id"`
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger *slog.Logger) error {
	kind := opts.channel
	if kind == "" {
		kind = "none"
		if opts.group {
			kind = "group"
		}
	}
	if kind != "group" && kind != "batch" && kind != "none" {
		return fmt.Errorf("unknown channel %q", kind)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	base := strings.TrimSuffix(opts.url, "/") + "/publix/" + strconv.FormatInt(opts.studyID, 10)

	started, err := start(ctx, client, base, opts, logger)
	if err != nil {
		return err
	}
	srid := strconv.FormatInt(started.StudyResult.ID, 10)
	fmt.Fprintf(out, "started study result %s at component %d %q\n", srid, started.Component.ID, started.Component.Title)

	if opts.group {
		var g groupResponse
		if err := protocol.PostJSON(ctx, client, base+"/group/join?srid="+srid, struct{}{}, &g); err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		fmt.Fprintf(out, "joined group %d\n", g.ID)
	}

	if kind != "none" {
		if err := relay(ctx, jar, base+"/"+kind+"/open?srid="+srid, in, out, logger); err != nil {
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, in)
	}

	if opts.finish {
		if err := protocol.GetJSON(ctx, client, base+"/end?srid="+srid, nil); err != nil {
			return fmt.Errorf("finish study: %w", err)
		}
		fmt.Fprintf(out, "finished study result %s\n", srid)
	}
	return nil
}

// start begins the study run, retrying while the server is unreachable or
// failing. Rejections (4xx) are final.
func start(ctx context.Context, client *http.Client, base string, opts options, logger *slog.Logger) (startResponse, error) {
	q := url.Values{}
	q.Set("workerType", opts.workerType)
	if opts.batchID != 0 {
		q.Set("batchId", strconv.FormatInt(opts.batchID, 10))
	}
	if opts.workerID != 0 {
		q.Set("workerId", strconv.FormatInt(opts.workerID, 10))
	}
	startURL := base + "/start?" + q.Encode()

	var lastErr error
	for i := 0; i < opts.retries; i++ {
		var resp startResponse
		lastErr = protocol.GetJSON(ctx, client, startURL, &resp)
		if lastErr == nil {
			return resp, nil
		}
		var status *protocol.StatusError
		if errors.As(lastErr, &status) && status.Status < http.StatusInternalServerError {
			return startResponse{}, fmt.Errorf("start study: %w", lastErr)
		}
		logger.Warn("start retry", "attempt", i+1, "error", lastErr)
		select {
		case <-time.After(opts.retryDelay):
		case <-ctx.Done():
			return startResponse{}, ctx.Err()
		}
	}
	return startResponse{}, fmt.Errorf("start study after %d attempts: %w", opts.retries, lastErr)
}

// relay opens the channel at httpURL and pumps stdin lines out and received
// frames to out until stdin ends, the server closes or ctx is done.
func relay(ctx context.Context, jar http.CookieJar, httpURL string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, "ws"+strings.TrimPrefix(httpURL, "http"), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("open channel: %w: %s", err, resp.Status)
		}
		return fmt.Errorf("open channel: %w", err)
	}
	defer conn.Close()

	readDone := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			fmt.Fprintf(out, "< %s\n", frame)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				select {
				case <-readDone:
				case <-time.After(time.Second):
				}
				return nil
			}
			if line == "" {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case err := <-readDone:
			if websocket.IsCloseError(err, protocol.CloseCodePoisoned) {
				logger.Info("channel taken over by another connection")
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("channel closed: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
