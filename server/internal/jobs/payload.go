// Package jobs resolves the payload reference handed to a worker with each
// lease. The reference is opaque to the dispatcher; workers fetch the actual
// render payload with it.
package jobs

import (
	"context"
	"fmt"
	"path"

	"github.com/renderfleet/renderfleet/server/internal/model"
)

// DefaultRefPrefix is the root under which RefBuilder places references.
const DefaultRefPrefix = "jobs"

// PayloadBuilder produces the job payload reference for a dispatch.
type PayloadBuilder interface {
	Build(ctx context.Context, d *model.Dispatch) (string, error)
}

// PayloadBuilderFunc adapts a function to PayloadBuilder.
type PayloadBuilderFunc func(ctx context.Context, d *model.Dispatch) (string, error)

func (f PayloadBuilderFunc) Build(ctx context.Context, d *model.Dispatch) (string, error) {
	return f(ctx, d)
}

// RefBuilder builds references of the form <prefix>/<tenant>/<tenant_job_id>/<dispatch_id>.
type RefBuilder struct {
	Prefix string
}

// Build implements PayloadBuilder.
func (b RefBuilder) Build(_ context.Context, d *model.Dispatch) (string, error) {
	if d.TenantID == "" || d.TenantJobID == "" || d.ID == "" {
		return "", fmt.Errorf("dispatch %q is missing identity fields", d.ID)
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = DefaultRefPrefix
	}
	return path.Join(prefix, d.TenantID, d.TenantJobID, d.ID), nil
}
