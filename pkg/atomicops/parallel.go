// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicops

import (
	"context"
	"fmt"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"golang.org/x/sync/errgroup"
)

// WriteMany writes payloads concurrently, at most Config.Parallelism at a
// time. Each write is individually atomic; the group is not. Writes to the
// same path are serialized by the path locker in unspecified order.
//
// The first failure cancels writes that have not started yet and is
// returned. Writes already committed stay committed.
func (o *Operations) WriteMany(ctx context.Context, payloads []fileops.Payload, opts ...fileops.Option) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)

	for i := range payloads {
		p := payloads[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := o.Write(gctx, p, opts...); err != nil {
				return fmt.Errorf("write %d (%s): %w", i, p.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}
