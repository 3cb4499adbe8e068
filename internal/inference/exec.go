package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mrsinham/lungmask/internal/volume"
)

// Placeholders replaced in ExecEngine arguments.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// ErrNoCommand is returned when no engine command is configured.
var ErrNoCommand = errors.New("no segmentation engine command configured")

// ExecEngine runs an external segmentation command. The CT volume is handed
// over as a NIfTI file and the command must write a NIfTI label volume of the
// same size. Model options are passed as LUNGMASK_* environment variables.
type ExecEngine struct {
	Args    []string
	Config  Config
	TempDir string
	Stderr  io.Writer
	Logger  *slog.Logger
}

// SplitCommand splits a command line on white space.
func SplitCommand(s string) []string {
	return strings.Fields(s)
}

// Segment implements Engine.
func (e *ExecEngine) Segment(ctx context.Context, v *volume.Volume) (*volume.LabelVolume, error) {
	if len(e.Args) == 0 {
		return nil, ErrNoCommand
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir, err := os.MkdirTemp(e.TempDir, "lungmask-")
	if err != nil {
		return nil, fmt.Errorf("create exchange dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in := filepath.Join(dir, "input.nii.gz")
	out := filepath.Join(dir, "mask.nii.gz")
	if err := volume.WriteNIfTIVolume(in, v); err != nil {
		return nil, fmt.Errorf("write engine input: %w", err)
	}

	args := e.expand(in, out)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), e.env()...)
	// Diagnostics always reach e.Stderr; stdout carries engine progress and
	// follows NoProgress. Both streams share one lock.
	var (
		mu     sync.Mutex
		output bytes.Buffer
	)
	stdout, stderr := io.Writer(&output), io.Writer(&output)
	if e.Stderr != nil {
		stderr = io.MultiWriter(&output, e.Stderr)
		if !e.Config.NoProgress {
			stdout = stderr
		}
	}
	cmd.Stdout = &lockedWriter{mu: &mu, w: stdout}
	cmd.Stderr = &lockedWriter{mu: &mu, w: stderr}

	logger.Debug("running segmentation engine", "args", args, "model", e.Config.Model(), "fill_model", e.Config.FillModel())
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("segmentation engine %s: %w: %s", args[0], err, lastLines(output.String(), engineErrorLines))
	}

	mask, err := volume.ReadNIfTILabels(out)
	if err != nil {
		return nil, fmt.Errorf("read engine output: %w", err)
	}
	if mask.Dims != v.Dims {
		return nil, fmt.Errorf("%w: engine returned %s for a %s volume", volume.ErrShapeMismatch, mask.Dims, v.Dims)
	}
	mask.Frame = v.Frame
	return mask, nil
}

// expand substitutes the exchange files into the arguments, appending them
// when the command names neither placeholder.
func (e *ExecEngine) expand(in, out string) []string {
	args := make([]string, 0, len(e.Args)+2)
	found := false
	for _, a := range e.Args {
		if strings.Contains(a, InputPlaceholder) || strings.Contains(a, OutputPlaceholder) {
			found = true
		}
		a = strings.ReplaceAll(a, InputPlaceholder, in)
		a = strings.ReplaceAll(a, OutputPlaceholder, out)
		args = append(args, a)
	}
	if !found {
		args = append(args, in, out)
	}
	return args
}

func (e *ExecEngine) env() []string {
	c := e.Config
	return []string{
		"LUNGMASK_MODEL=" + c.Model(),
		"LUNGMASK_FILLMODEL=" + c.FillModel(),
		"LUNGMASK_MODELPATH=" + c.ModelPath,
		"LUNGMASK_DEVICE=" + c.Device(),
		"LUNGMASK_BATCHSIZE=" + strconv.Itoa(c.EffectiveBatchSize()),
		"LUNGMASK_POSTPROCESS=" + strconv.FormatBool(c.PostProcess),
		"LUNGMASK_NOPROGRESS=" + strconv.FormatBool(c.NoProgress),
	}
}

// engineErrorLines is how much of the engine output a failure reports.
const engineErrorLines = 3

// lastLines returns the last n non-empty lines of s joined with "; ".
func lastLines(s string, n int) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
