package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"contentengine/pkg/domain"
	"contentengine/pkg/publish"
	"contentengine/pkg/store"
)

// ErrNoExternalID marks a publisher that reported success without the
// platform's post id.
var ErrNoExternalID = errors.New("publisher returned no external post id")

// claim takes the exclusive publish claim on item. It returns
// store.ErrConflict when the item changed since it was read.
func claim(ctx context.Context, st store.ContentStore, item domain.ContentItem) (domain.ContentItem, string, error) {
	token := uuid.NewString()
	claimed, err := st.Update(ctx, item.ID, store.Guard{Status: item.Status}, store.Patch{
		ClaimToken:  &token,
		IncAttempts: true,
	})
	if err != nil {
		return domain.ContentItem{}, "", err
	}
	return claimed, token, nil
}

// publishClaimed calls the publisher for an item this process has claimed
// and records the outcome. A publish error moves the item to failed; it is
// never put back to scheduled.
func publishClaimed(ctx context.Context, st store.ContentStore, pub publish.Publisher, o options, item domain.ContentItem, token, actor string) (domain.ContentItem, error) {
	externalID, pubErr := pub.Publish(ctx, publish.Post{ItemID: item.ID, Body: item.Body})
	if pubErr == nil && strings.TrimSpace(externalID) == "" {
		pubErr = ErrNoExternalID
	}
	from := item.Status
	guard := store.Guard{Status: from, ClaimToken: token}
	var patch store.Patch
	if pubErr == nil {
		now := o.now().UTC()
		patch = store.Patch{
			Status:         store.Ptr(domain.StatusPosted),
			PostedAt:       &now,
			ExternalPostID: &externalID,
			ErrorMessage:   store.Ptr(""),
			ClaimToken:     store.Ptr(""),
			Actor:          actor,
			Note:           "published " + externalID,
		}
	} else {
		patch = store.Patch{
			Status:       store.Ptr(domain.StatusFailed),
			ErrorMessage: store.Ptr(pubErr.Error()),
			ClaimToken:   store.Ptr(""),
			Actor:        actor,
			Note:         "publish failed",
		}
	}
	// The publish already happened, so finalize even if ctx was cancelled
	// while we waited on the publisher.
	final, err := st.Update(context.WithoutCancel(ctx), item.ID, guard, patch)
	if err != nil {
		o.logger.Error("publish outcome not recorded", "item_id", item.ID, "external_post_id", externalID, "publish_err", pubErr, "err", err)
		return domain.ContentItem{}, fmt.Errorf("record publish outcome for %s: %w", item.ID, err)
	}
	o.announce(ctx, from, final, actor)
	if pubErr != nil {
		return final, fmt.Errorf("publish item %s: %w", item.ID, pubErr)
	}
	return final, nil
}
