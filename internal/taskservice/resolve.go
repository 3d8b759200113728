package taskservice

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/swarmguard/agx/internal/model"
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ResolveTaskId turns a user-supplied identifier into a concrete task id
// per §4.B: a bare integer indexes 1-based into the last cached listing; a
// UUID passes through unchanged; anything else is resolved against the
// task service by exact slug, then unique slug prefix, then unique id
// prefix, in that order.
func (c *Client) ResolveTaskId(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)

	if n, err := strconv.Atoi(identifier); err == nil {
		return c.resolveByIndex(n)
	}

	if uuidRe.MatchString(identifier) {
		return identifier, nil
	}

	if task, err := c.GetTaskBySlug(ctx, identifier); err == nil && task != nil {
		return task.ID, nil
	}

	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return "", err
	}
	return resolveAgainstListing(identifier, tasks)
}

func (c *Client) resolveByIndex(n int) (string, error) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if len(c.cachedTasks) == 0 {
		return "", &NoCachedTaskError{Index: n}
	}
	if n < 1 || n > len(c.cachedTasks) {
		return "", &NoCachedTaskError{Index: n}
	}
	return c.cachedTasks[n-1].ID, nil
}

// resolveAgainstListing applies the exact-slug, unique-slug-prefix,
// unique-id-prefix resolution order against an already-fetched listing.
func resolveAgainstListing(identifier string, tasks []model.Task) (string, error) {
	for _, t := range tasks {
		if t.Slug == identifier {
			return t.ID, nil
		}
	}

	var slugPrefixMatches []model.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.Slug, identifier) {
			slugPrefixMatches = append(slugPrefixMatches, t)
		}
	}
	if len(slugPrefixMatches) == 1 {
		return slugPrefixMatches[0].ID, nil
	}
	if len(slugPrefixMatches) > 1 {
		return "", ambiguous(identifier, slugPrefixMatches)
	}

	var idPrefixMatches []model.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, identifier) {
			idPrefixMatches = append(idPrefixMatches, t)
		}
	}
	if len(idPrefixMatches) == 1 {
		return idPrefixMatches[0].ID, nil
	}
	if len(idPrefixMatches) > 1 {
		return "", ambiguous(identifier, idPrefixMatches)
	}

	return "", &TaskNotFoundError{Identifier: identifier}
}

func ambiguous(identifier string, matches []model.Task) *AmbiguousIdentifierError {
	candidates := make([]string, 0, 5)
	for i, t := range matches {
		if i >= 5 {
			break
		}
		candidates = append(candidates, t.Slug)
	}
	return &AmbiguousIdentifierError{Identifier: identifier, Candidates: candidates}
}
