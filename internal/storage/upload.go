// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"

	"github.com/buildforge/scheduler/internal/retry"
	"github.com/buildforge/scheduler/internal/scheduler"
)

// UploadResult persists result for fp into cache, retrying transient
// failures through internal/retry (§4.8: "used by ... storage-backed
// operations inside worker action result upload").
func UploadResult(ctx context.Context, cache ActionCache, fp scheduler.ActionInfoHashKey, result *scheduler.ActionResult, delays retry.Delays) error {
	_, err := retry.Drive(ctx, delays, retry.RealSleeper{}, func(ctx context.Context) retry.Result[struct{}] {
		if err := cache.PutResult(ctx, fp, result); err != nil {
			if se, ok := scheduler.AsError(err); ok && se.Kind.Retryable() {
				return retry.RetryResult[struct{}](err)
			}
			return retry.ErrResult[struct{}](err)
		}
		return retry.OkResult(struct{}{})
	})
	return err
}
