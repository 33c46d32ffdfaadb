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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailerBatchesByRecipient(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "localhost", Port: "2525", From: "cyclone@example.com"}, time.Hour, nil)
	defer m.Close()

	m.Queue(Mail{To: "ops@example.com", Subject: "a", Body: "1"})
	m.Queue(Mail{To: "ops@example.com", Subject: "b", Body: "2"})
	m.Queue(Mail{To: "other@example.com", Subject: "c", Body: "3"})

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.pending["ops@example.com"], 2)
	require.Len(t, m.pending["other@example.com"], 1)
}
