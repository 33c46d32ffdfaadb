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

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/cyclone/internal/executor"
)

func TestDispatchRunsHandler(t *testing.T) {
	pool := executor.New(executor.Config{Size: 1})
	d := NewDispatcher(pool, nil, nil)

	tmpl, err := Compile("true")
	require.NoError(t, err)
	d.Configure("succeeded", []Handler{{Template: tmpl}})

	d.Dispatch(context.Background(), "succeeded", Fields{Proxy: "foo/1"}, "")
}

func TestDispatchQueuesMail(t *testing.T) {
	pool := executor.New(executor.Config{Size: 1})
	mailer := NewMailer(SMTPConfig{Host: "localhost", Port: "2525", From: "cyclone@example.com"}, time.Hour, nil)
	defer mailer.Close()

	d := NewDispatcher(pool, mailer, nil)
	d.Dispatch(context.Background(), "failed", Fields{Proxy: "foo/1", Workflow: "wf1", Message: "boom"}, "ops@example.com")

	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	require.Len(t, mailer.pending["ops@example.com"], 1)
}

func TestDelayForExhaustion(t *testing.T) {
	delays := []time.Duration{time.Second, 2 * time.Second}
	_, ok := delayFor(delays, 0)
	require.True(t, ok)
	_, ok = delayFor(delays, 1)
	require.True(t, ok)
	_, ok = delayFor(delays, 2)
	require.False(t, ok)
}
