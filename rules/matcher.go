package rules

import (
	"fmt"

	"github.com/brettboylen/reddit-modbot/models"
)

// MatchResult is the outcome of evaluating one condition and its subtree
type MatchResult struct {
	Matched bool
	// Action is ActionNone when nothing in the subtree resolved to an action
	Action models.Action
	// ConditionID is the condition whose action was resolved, 0 when Action is ActionNone
	ConditionID int64
}

// Evaluate tests a single condition of the forest, and recursively its children,
// against an item.
func (f *Forest) Evaluate(conditionID int64, item *models.Item) (MatchResult, error) {
	idx, ok := f.byID[conditionID]
	if !ok || !f.nodes[idx].usable {
		return MatchResult{}, fmt.Errorf("condition %d: %w", conditionID, ErrUnknownCondition)
	}
	return f.evaluate(idx, item), nil
}

func (f *Forest) evaluate(idx int, item *models.Item) MatchResult {
	n := &f.nodes[idx]

	value, err := attributeValue(&n.cond, item)
	if err != nil {
		// heterogeneous item streams are expected; inverse does not apply here
		return MatchResult{}
	}

	matched := n.pattern.MatchString(value) && authorGatesPass(&n.cond, &item.Author)
	if n.cond.Inverse {
		matched = !matched
	}
	if !matched {
		return MatchResult{}
	}

	for _, child := range n.children {
		res := f.evaluate(child, item)
		if res.Action != models.ActionNone {
			return MatchResult{Matched: true, Action: res.Action, ConditionID: res.ConditionID}
		}
	}

	if n.cond.Action != models.ActionNone {
		return MatchResult{Matched: true, Action: n.cond.Action, ConditionID: n.cond.ID}
	}
	return MatchResult{Matched: true}
}

// attributeValue picks the string a condition's pattern is tested against
func attributeValue(c *models.Condition, item *models.Item) (string, error) {
	if c.Subject != item.Subject || !c.Attribute.AppliesTo(item.Subject) {
		return "", fmt.Errorf("%s.%s on %s: %w", c.Subject, c.Attribute, item.Subject, ErrInvalidAttribute)
	}

	switch c.Attribute {
	case models.AttrUser:
		return item.Author.Name, nil
	case models.AttrTitle:
		return item.Title, nil
	case models.AttrDomain:
		return item.Domain, nil
	case models.AttrURL:
		return item.URL, nil
	case models.AttrBody:
		return item.Body, nil
	case models.AttrMemeName:
		return item.MemeName, nil
	}
	return "", fmt.Errorf("%s: %w", c.Attribute, ErrInvalidAttribute)
}

// authorGatesPass applies the account age, karma and gold requirements.
// A threshold of 0 is no constraint; negative thresholds still apply, so -50 keeps
// out authors buried below -50 karma. Deleted authors fail any set gate.
func authorGatesPass(c *models.Condition, a *models.AuthorStats) bool {
	if !c.HasAuthorGates() {
		return true
	}
	if a.Deleted() {
		return false
	}
	if c.IsGold && !a.HasGold {
		return false
	}
	if c.MinAccountAge != 0 && a.AccountAgeDays < c.MinAccountAge {
		return false
	}
	if c.MinLinkKarma != 0 && a.LinkKarma < c.MinLinkKarma {
		return false
	}
	if c.MinCommentKarma != 0 && a.CommentKarma < c.MinCommentKarma {
		return false
	}
	if c.MinCombinedKarma != 0 && a.CombinedKarma() < c.MinCombinedKarma {
		return false
	}
	return true
}
