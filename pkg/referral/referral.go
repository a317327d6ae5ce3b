// Package referral maintains the sponsor tree and computes multi-level
// referral rewards for contract work.
package referral

import (
	"sort"
	"sync"

	"github.com/blocknet-labs/poc-core/pkg/ledger"
)

// Config controls payout calculation. LevelsBps holds the reward per
// ancestry level in basis points of the trigger amount, level 1 first.
type Config struct {
	LevelsBps        []uint32 `json:"levels_bps"`
	MinimumPayout    uint64   `json:"minimum_payout"`
	LevelCap         uint32   `json:"level_cap,omitempty"`
	ParticipantQuota uint32   `json:"participant_quota,omitempty"`
}

// MaxDepth is the effective ancestry depth: the level cap when set,
// otherwise the number of configured levels.
func (c Config) MaxDepth() int {
	if c.LevelCap > 0 {
		return int(c.LevelCap)
	}
	return len(c.LevelsBps)
}

// Tree is the sponsor graph. Each invitee has at most one sponsor; ancestry
// walks stop at the first repeated sponsor so a cycle can never loop.
type Tree struct {
	mu       sync.RWMutex
	sponsors map[string]string
	quotas   map[string]uint32
}

// NewTree creates an empty sponsor tree.
func NewTree() *Tree {
	return &Tree{
		sponsors: make(map[string]string),
		quotas:   make(map[string]uint32),
	}
}

// Link records sponsor as the inviter of invitee, replacing any previous
// sponsor. maxChildren > 0 caps the sponsor's tracked child count.
func (t *Tree) Link(sponsor, invitee string, maxChildren uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sponsors[invitee] = sponsor
	if maxChildren > 0 {
		n := t.quotas[sponsor] + 1
		if n > maxChildren {
			n = maxChildren
		}
		t.quotas[sponsor] = n
	}
}

// Sponsor returns the direct sponsor of an account, if any.
func (t *Tree) Sponsor(account string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sponsors[account]
	return s, ok
}

// Ancestry returns up to limit sponsors walking up from node, nearest
// first. A sponsor seen twice terminates the walk.
func (t *Tree) Ancestry(node string, limit int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var chain []string
	visited := make(map[string]bool)
	for {
		parent, ok := t.sponsors[node]
		if !ok || visited[parent] {
			break
		}
		visited[parent] = true
		chain = append(chain, parent)
		if len(chain) >= limit {
			break
		}
		node = parent
	}
	return chain
}

// Accounts returns every account that appears in the tree, sorted.
func (t *Tree) Accounts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool, len(t.sponsors)*2)
	for invitee, sponsor := range t.sponsors {
		seen[invitee] = true
		seen[sponsor] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Engine computes payouts for one config over one tree.
type Engine struct {
	config Config
	tree   *Tree
}

// NewEngine binds a config to a tree.
func NewEngine(config Config, tree *Tree) *Engine {
	return &Engine{config: config, tree: tree}
}

// CalculatePayouts walks the origin's ancestry and produces one payout per
// level at the configured basis points. Levels below the minimum payout are
// skipped without consuming the level slot budget.
func (e *Engine) CalculatePayouts(triggerAmount uint64, origin string) []ledger.ReferralPayout {
	if triggerAmount == 0 {
		return nil
	}
	levels := len(e.config.LevelsBps)
	if d := e.config.MaxDepth(); d < levels {
		levels = d
	}
	chain := e.tree.Ancestry(origin, levels)
	var payouts []ledger.ReferralPayout
	for i, account := range chain {
		if i >= len(e.config.LevelsBps) {
			break
		}
		bps := e.config.LevelsBps[i]
		if bps == 0 {
			continue
		}
		amount := triggerAmount * uint64(bps) / 10_000
		if amount < e.config.MinimumPayout {
			continue
		}
		payouts = append(payouts, ledger.ReferralPayout{
			Recipient: account,
			Amount:    amount,
			Level:     uint32(i + 1),
		})
	}
	return payouts
}
