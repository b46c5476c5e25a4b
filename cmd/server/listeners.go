// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"log/slog"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
)

// SetupListeners attaches the analysis workflow to the analysis subscription
// and starts receiving. Messages carry {"video_id": ..., "instruction": ...}
// or a bare video id; a message is acknowledged when the run succeeds or
// fails for a reason a retry cannot fix.
func SetupListeners(ctx context.Context, clients *cloud.ServiceClients, analysis cor.Command) {
	listener, ok := clients.PubSubListeners[AnalysisTopic]
	if !ok {
		slog.InfoContext(ctx, "no analysis subscription configured, async analysis disabled")
		return
	}
	listener.SetCommand(analysis)
	listener.Listen(ctx)
}
