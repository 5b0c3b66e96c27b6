package hierarchy

import (
	"strings"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
)

// DefaultLeafPatterns are matched case-insensitively against level names.
var DefaultLeafPatterns = []string{"booth", "polling station", "polling center"}

// Classifier decides whether a batch of children is the terminal level.
type Classifier struct {
	Patterns     []string
	UseLevelFlag bool
}

func DefaultClassifier() Classifier {
	return Classifier{Patterns: DefaultLeafPatterns, UseLevelFlag: true}
}

// IsLeafNode reports whether a single node belongs to a leaf level.
func (c Classifier) IsLeafNode(n domain.HierarchyNode) bool {
	if c.UseLevelFlag && n.IsLeafLevel {
		return true
	}
	return MatchesLeafName(n.LevelName, c.Patterns)
}

// IsLeafBatch is true when any member is a leaf. One match is enough to
// treat the whole batch as leaf level.
func (c Classifier) IsLeafBatch(batch []domain.HierarchyNode) bool {
	for _, n := range batch {
		if c.IsLeafNode(n) {
			return true
		}
	}
	return false
}

func MatchesLeafName(levelName string, patterns []string) bool {
	name := strings.ToLower(levelName)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(name, p) {
			return true
		}
	}
	return false
}
