package workflow

import (
	"fmt"

	"boardline/internal/domain"
)

// Route returns where an approved AI review sends the item. Only size decides.
func Route(item domain.WorkItem) (domain.Status, error) {
	switch item.Size {
	case domain.SizeBig:
		return domain.StatusHumanReview, nil
	case domain.SizeSmall:
		return domain.StatusMergeRelease, nil
	}
	return "", fmt.Errorf("item %s has no size", item.ID)
}
