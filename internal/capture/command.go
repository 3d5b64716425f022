package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/prismcast/prismcast/internal/channels"
)

// ErrNoCommand indicates an unconfigured capture command.
var ErrNoCommand = errors.New("capture command not configured")

// CommandSource launches an external capture command per channel and reads
// fMP4 from its stdout. This is how the headless-browser capture stack plugs
// in without this process linking against it: any argv that writes
// ftyp+moov followed by moof/mdat fragments to stdout works.
type CommandSource struct {
	// Command is the argv template. Occurrences of {url} and {channel} are
	// replaced with the channel's URL and ID.
	Command []string

	Logger *slog.Logger
}

// Open starts the capture process. Closing the returned reader terminates
// the process and reaps it.
func (s *CommandSource) Open(ctx context.Context, ch channels.Channel) (io.ReadCloser, error) {
	if len(s.Command) == 0 {
		return nil, ErrNoCommand
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	argv := make([]string, len(s.Command))
	for i, arg := range s.Command {
		arg = strings.ReplaceAll(arg, "{url}", ch.URL)
		arg = strings.ReplaceAll(arg, "{channel}", ch.ID)
		argv[i] = arg
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{logger: logger, channelID: ch.ID}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting capture command: %w", err)
	}

	logger.Info("capture command started",
		slog.String("channel_id", ch.ID),
		slog.String("command", argv[0]),
		slog.Int("pid", cmd.Process.Pid))

	return &processReader{ReadCloser: stdout, cmd: cmd}, nil
}

// processReader ties the capture process lifetime to the reader.
type processReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processReader) Close() error {
	err := p.ReadCloser.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return err
}

// stderrLogger forwards capture process stderr lines into the log.
type stderrLogger struct {
	logger    *slog.Logger
	channelID string
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.logger.Debug("capture stderr",
			slog.String("channel_id", w.channelID),
			slog.String("line", line))
	}
	return len(p), nil
}
