package catalog

import (
	"context"
	"log"
	"strings"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
)

// Matcher resolves a client's free-text keyword list into a concrete catalog
// object id set. A category matches a keyword when the keyword is a
// case-insensitive substring of any name in the category's chain up to the
// root; matches then propagate down to every descendant.
type Matcher struct {
	repo store.Repository
}

func New(repo store.Repository) *Matcher {
	return &Matcher{repo: repo}
}

// Recompute rebuilds the client's product mapping from the current catalog
// and fully replaces the stored set. Returns the number of mapped objects.
func (m *Matcher) Recompute(ctx context.Context, client domain.Client) (int, error) {
	keywords := normalizeKeywords(client.Keywords)
	if len(keywords) == 0 {
		if err := m.repo.ReplaceClientMappings(ctx, client.ID, nil); err != nil {
			return 0, err
		}
		return 0, nil
	}

	accounts, err := m.repo.ListActiveAccounts(ctx)
	if err != nil {
		return 0, err
	}

	mappings := make([]domain.ClientProductMapping, 0, 64)
	for _, account := range accounts {
		if account.OrgID != client.OrgID {
			continue
		}

		categories, err := m.repo.ListCatalogCategories(ctx, account.ID)
		if err != nil {
			return 0, err
		}
		memberships, err := m.repo.ListCatalogMemberships(ctx, account.ID)
		if err != nil {
			return 0, err
		}

		matched := matchCategories(categories, keywords)
		for _, member := range memberships {
			keyword, ok := matched[member.CategoryID]
			if !ok {
				continue
			}
			mappings = append(mappings, domain.ClientProductMapping{
				ClientID:        client.ID,
				CatalogObjectID: member.CatalogObjectID,
				Keyword:         keyword,
			})
		}
	}

	if err := m.repo.ReplaceClientMappings(ctx, client.ID, mappings); err != nil {
		return 0, err
	}
	return len(mappings), nil
}

// RecomputeOrg recomputes every keyword-bearing client in the organization,
// typically after a full catalog resync. Per-client failures are logged and
// do not abort the remaining clients.
func (m *Matcher) RecomputeOrg(ctx context.Context, orgID string) (int, error) {
	clients, err := m.repo.ListClientsByOrg(ctx, orgID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, client := range clients {
		if len(client.Keywords) == 0 {
			continue
		}
		count, err := m.Recompute(ctx, client)
		if err != nil {
			log.Printf("[catalog] WARN: recompute failed for client %s: %v", client.ID, err)
			continue
		}
		total += count
	}
	return total, nil
}

// matchCategories returns category id -> matched keyword. Direct chain
// matches are claimed first; descendants inherit a keyword only when no
// keyword has already claimed them.
func matchCategories(categories []domain.CatalogCategory, keywords []string) map[string]string {
	matched := make(map[string]string)
	children := make(map[string][]string)

	for _, cat := range categories {
		if cat.ParentID != "" {
			children[cat.ParentID] = append(children[cat.ParentID], cat.ID)
		}

		chain := cat.PathToRoot
		if len(chain) == 0 {
			chain = []string{cat.Name}
		}
		for _, keyword := range keywords {
			if chainContains(chain, keyword) {
				matched[cat.ID] = keyword
				break
			}
		}
	}

	// Downward propagation: every descendant of a matched category is matched.
	queue := make([]string, 0, len(matched))
	for id := range matched {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range children[current] {
			if _, claimed := matched[childID]; claimed {
				continue
			}
			matched[childID] = matched[current]
			queue = append(queue, childID)
		}
	}

	return matched
}

func chainContains(chain []string, keyword string) bool {
	for _, name := range chain {
		if strings.Contains(strings.ToLower(name), keyword) {
			return true
		}
	}
	return false
}

func normalizeKeywords(raw []string) []string {
	keywords := make([]string, 0, len(raw))
	for _, kw := range raw {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}
