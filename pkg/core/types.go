package core

import (
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/recall"
	"github.com/oceanbase/memctx/pkg/registry"
	"github.com/oceanbase/memctx/pkg/retention"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Requester is the authenticated caller: a user id plus team and
// organization membership claims.
type Requester = policy.Requester

// ScopeRef names a personal, team or organization scope.
type ScopeRef = policy.ScopeRef

// Tier is a sensitivity tier from 0 (public) to 4 (secret).
type Tier = policy.Tier

// Context is a snapshot of a context.
type Context = registry.Context

// Status is one line of Client.Status.
type Status = registry.Status

// Entry is a persisted, redacted memory entry.
type Entry = storage.Entry

// RecallResult is the merged answer of Client.Recall.
type RecallResult = recall.Result

// RecallItem is one recalled entry tagged with its source scope.
type RecallItem = recall.Item

// SweepResult summarizes a retention sweep.
type SweepResult = retention.Result

// Personal, Team and Org build scope references.
var (
	Personal = policy.Personal
	Team     = policy.Team
	Org      = policy.Org
)
