// Package idgen wraps sonyflake behind the small set of id kinds this
// repository actually issues: command-channel transfer ids (§6.2,
// Start's returned id and every subsequent Send/Stop correlation) and
// replacement correlation ids (§4.6, logged on the "replace starting"
// and "replace completed" / "replace failed" lines of one replace so
// they can be tied together in the daemon log). Sonyflake ids are time-ordered and globally unique but sparse
// — two ids issued in the same tick are not adjacent integers — which
// is exactly why this package is not used for DomainId; see
// pkg/domainid's doc comment and DESIGN.md.
package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// epoch anchors every Generator's sonyflake clock. Fixing it avoids a
// dependency on wall-clock time at construction, which would otherwise
// make two Generators created moments apart issue non-comparable ids.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator issues monotonically-ordered, globally unique uint64 ids
// via sonyflake.
type Generator struct {
	sf *sonyflake.Sonyflake
}

// New returns a Generator anchored at epoch, falling back to the
// current time if sonyflake rejects that start time (it does when the
// host clock reads earlier than epoch).
func New() *Generator {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{StartTime: epoch})
	if sf == nil {
		sf = sonyflake.NewSonyflake(sonyflake.Settings{StartTime: time.Now()})
	}
	return &Generator{sf: sf}
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// Default returns the process-wide Generator, created on first use.
func Default() *Generator {
	defaultGeneratorOnce.Do(func() { defaultGenerator = New() })
	return defaultGenerator
}

// NextID issues the next raw id. Channel transfer ids (§6.2) are this
// value directly; nothing downstream parses structure out of it.
func (g *Generator) NextID() (uint64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, fmt.Errorf("issue id: %w", err)
	}
	return id, nil
}

// NextCorrelationID issues an id formatted as a replacement
// correlation id ("replace-<id>"), attached as a log field to the
// start and outcome lines logged around one Proxy.Replace call so they
// can be grepped out of an otherwise interleaved daemon log.
func (g *Generator) NextCorrelationID() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", fmt.Errorf("generate correlation id: %w", err)
	}
	return fmt.Sprintf("replace-%d", id), nil
}
