package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/renderfleet/renderfleet/agent/internal/client"
	"github.com/renderfleet/renderfleet/workerapi"
)

const (
	stderrTail      = 512
	killGracePeriod = 10 * time.Second
)

var errRenderTimeout = errors.New("render timed out")

// renderResult is the optional JSON object a render command prints as the
// last line of its stdout.
type renderResult struct {
	OutputSizeBytes   *int64         `json:"output_size_bytes"`
	OutputContentType *string        `json:"output_content_type"`
	Metadata          map[string]any `json:"metadata"`
}

// execRender runs the configured command with the payload ref as its last
// argument. Lease details are passed in RENDERFLEET_* environment variables.
func (r *Runner) execRender(ctx context.Context, offer *workerapi.LeaseOffer) (client.Output, error) {
	if r.opts.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.RenderTimeout, errRenderTimeout)
		defer cancel()
	}

	args := append(slices.Clone(r.opts.Command[1:]), offer.JobPayloadRef)
	cmd := exec.CommandContext(ctx, r.opts.Command[0], args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = append(os.Environ(),
		"RENDERFLEET_DISPATCH_ID="+offer.DispatchID,
		"RENDERFLEET_TENANT_ID="+offer.TenantID,
		"RENDERFLEET_TENANT_JOB_ID="+offer.TenantJobID,
		"RENDERFLEET_WORKFLOW_ID="+offer.WorkflowID,
		"RENDERFLEET_STAGE="+offer.Stage,
		"RENDERFLEET_ATTEMPT="+strconv.Itoa(offer.Attempt),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(context.Cause(ctx), errRenderTimeout) {
			return client.Output{}, fmt.Errorf("%w after %s", errRenderTimeout, r.opts.RenderTimeout)
		}
		if tail := lastBytes(stderr.String(), stderrTail); tail != "" {
			return client.Output{}, fmt.Errorf("%w: %s", err, tail)
		}
		return client.Output{}, err
	}

	return parseResult(stdout.String()), nil
}

func parseResult(stdout string) client.Output {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return client.Output{}
	}
	var res renderResult
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return client.Output{}
	}
	return client.Output{
		SizeBytes:   res.OutputSizeBytes,
		ContentType: res.OutputContentType,
		Metadata:    res.Metadata,
	}
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
