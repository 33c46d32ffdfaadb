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

// Package filesync is a named external collaborator: it pushes the
// run directory's installed files (source, service package) to a
// remote host before that host's first job submission. File-transfer
// mechanics beyond this minimal rsync-over-ssh shape are out of scope;
// this package gives the scheduler loop an interface to call without
// depending on the Remote Executor's concrete Pool type.
package filesync

import (
	"context"
	"fmt"

	"github.com/tombee/cyclone/internal/executor"
)

// Syncer pushes a local directory tree to a remote host.
type Syncer interface {
	Push(ctx context.Context, host, user, localDir, remoteDir string) error
}

// RsyncSyncer runs rsync -az through the Remote Executor's worker
// pool, so a sync shares the pool's bounded concurrency and bad-host
// tracking with every other remote command.
type RsyncSyncer struct {
	pool *executor.Pool
}

var _ Syncer = (*RsyncSyncer)(nil)

// New constructs a RsyncSyncer bound to pool.
func New(pool *executor.Pool) *RsyncSyncer {
	return &RsyncSyncer{pool: pool}
}

// Push runs `rsync -az localDir/ user@host:remoteDir/` locally,
// letting rsync itself open the SSH transport (the executor's cached
// sshtransport.Transport is reused for job and command execution, not
// bulk file copy).
func (s *RsyncSyncer) Push(ctx context.Context, host, user, localDir, remoteDir string) error {
	dest := remoteDir
	if host != "" {
		dest = fmt.Sprintf("%s@%s:%s", user, host, remoteDir)
	}
	res := s.pool.RunSync(ctx, executor.Command{
		Argv: []string{"rsync", "-az", "--delete", localDir + "/", dest + "/"},
	})
	if res.Err != nil {
		return fmt.Errorf("filesync: push %s -> %s: %w", localDir, dest, res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("filesync: rsync exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
