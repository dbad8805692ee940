// Package room resolves conversations to their members through the
// membership collaborator, with an optional cache in front.
package room

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"realtime_go/internal/cache"
	"realtime_go/internal/codec"
	"realtime_go/internal/domain"
)

// Router is the conversation room router. A nil cache disables caching.
type Router struct {
	members domain.MembershipRepository
	cache   cache.Cache
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger

	group singleflight.Group

	// generations counts invalidations per conversation so a member set
	// loaded before one is never written back after it.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewRouter returns a Router. ttl bounds cached entries; timeout bounds each
// cache call.
func NewRouter(members domain.MembershipRepository, c cache.Cache, ttl, timeout time.Duration, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		members: members,
		cache:   c,
		ttl:     ttl,
		timeout: timeout,
		log:     log.With("component", "room"),

		generations: make(map[string]uint64),
	}
}

func membersKey(conversationID string) string {
	return "conv:" + conversationID + ":members"
}

// MembersOf returns the member ids of a conversation in join order.
func (r *Router) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	if ids, ok := r.cached(ctx, conversationID); ok {
		return ids, nil
	}

	v, err, _ := r.group.Do(conversationID, func() (any, error) {
		gen := r.generation(conversationID)
		ids, err := r.members.MembersOf(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		r.store(conversationID, ids, gen)
		return ids, nil
	})
	if err != nil {
		return nil, domain.Unavailable("load members", err)
	}
	return slices.Clone(v.([]string)), nil
}

// IsMember reports whether userID belongs to the conversation. A cached set
// answers directly; otherwise the collaborator is asked.
func (r *Router) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if ids, ok := r.cached(ctx, conversationID); ok {
		return slices.Contains(ids, userID), nil
	}
	ok, err := r.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, domain.Unavailable("check membership", err)
	}
	return ok, nil
}

// RequireMember returns ErrForbiddenNotMember unless userID is a member.
func (r *Router) RequireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := r.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbiddenNotMember
	}
	return nil
}

// ContactsOf returns every user sharing a conversation with userID.
func (r *Router) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.members.ContactsOf(ctx, userID)
	if err != nil {
		return nil, domain.Unavailable("load contacts", err)
	}
	return ids, nil
}

// CreateConversation creates a conversation whose members are the creator
// followed by memberIDs, duplicates removed.
func (r *Router) CreateConversation(ctx context.Context, creatorID string, memberIDs []string) (string, error) {
	all := []string{creatorID}
	for _, id := range memberIDs {
		if id != "" && !slices.Contains(all, id) {
			all = append(all, id)
		}
	}
	if len(all) < 2 {
		return "", domain.Invalid("a conversation needs at least one other member")
	}

	id, err := r.members.CreateConversation(ctx, all)
	if err != nil {
		return "", domain.Unavailable("create conversation", err)
	}
	r.invalidate(ctx, id)
	return id, nil
}

// Leave removes userID from the conversation and drops the cached set.
func (r *Router) Leave(ctx context.Context, conversationID, userID string) error {
	if err := r.RequireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := r.members.RemoveMember(ctx, conversationID, userID); err != nil {
		return domain.Unavailable("leave conversation", err)
	}
	r.invalidate(ctx, conversationID)
	return nil
}

func (r *Router) cached(ctx context.Context, conversationID string) ([]string, bool) {
	if r.cache == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.cache.Get(ctx, membersKey(conversationID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.log.Debug("cache read failed", "conversation_id", conversationID, "error", err)
		}
		return nil, false
	}
	var ids []string
	if err := codec.Unmarshal(raw, &ids); err != nil {
		r.log.Debug("dropping undecodable cache entry", "conversation_id", conversationID, "error", err)
		return nil, false
	}
	return ids, true
}

func (r *Router) generation(conversationID string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.generations[conversationID]
}

// store writes a set loaded at generation gen. A write that an invalidation
// overtook is skipped, or undone when it landed after the delete.
func (r *Router) store(conversationID string, ids []string, gen uint64) {
	if r.cache == nil {
		return
	}
	raw, err := codec.Marshal(ids)
	if err != nil {
		r.log.Debug("encode member set", "error", err)
		return
	}
	go func() {
		if r.generation(conversationID) != gen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		key := membersKey(conversationID)
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			r.log.Debug("cache write failed", "conversation_id", conversationID, "error", err)
			return
		}
		if r.generation(conversationID) != gen {
			if err := r.cache.Delete(ctx, key); err != nil {
				r.log.Warn("cache invalidation failed", "conversation_id", conversationID, "error", err)
			}
		}
	}()
}

// invalidate runs inline so the next read after a membership write misses.
func (r *Router) invalidate(ctx context.Context, conversationID string) {
	if r.cache == nil {
		return
	}
	r.genMu.Lock()
	r.generations[conversationID]++
	r.genMu.Unlock()
	// loads already in flight must not be shared with later readers
	r.group.Forget(conversationID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.cache.Delete(ctx, membersKey(conversationID)); err != nil {
		r.log.Warn("cache invalidation failed", "conversation_id", conversationID, "error", err)
	}
}
