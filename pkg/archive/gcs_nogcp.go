//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSSink(context.Context, string, string) (Sink, error) {
	return nil, errors.New("archive: GCS sink is not enabled in this build (use -tags gcp)")
}
