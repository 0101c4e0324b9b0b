package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/bulk-mail/internal/repository"
)

const DefaultCacheTTL = 5 * time.Minute

// Renderer resolves stored template bodies and applies merge fields.
type Renderer struct {
	repo  repository.TemplateRepository
	cache *cache.Cache
}

func NewRenderer(repo repository.TemplateRepository, ttl time.Duration) *Renderer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Renderer{
		repo:  repo,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *Renderer) Render(ctx context.Context, templateID uuid.UUID, fields map[string]string) (string, error) {
	body, err := r.body(ctx, templateID)
	if err != nil {
		return "", err
	}
	return Merge(body, fields), nil
}

func (r *Renderer) body(ctx context.Context, templateID uuid.UUID) (string, error) {
	key := templateID.String()
	if v, ok := r.cache.Get(key); ok {
		return v.(string), nil
	}

	t, err := r.repo.Get(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("failed to load template %s: %w", templateID, err)
	}
	r.cache.SetDefault(key, t.HTML)
	return t.HTML, nil
}

// Invalidate drops a cached body after the template was edited.
func (r *Renderer) Invalidate(templateID uuid.UUID) {
	r.cache.Delete(templateID.String())
}

// Merge replaces every `{{key}}` with its value. Placeholders without a field stay as they are.
func Merge(text string, fields map[string]string) string {
	if len(fields) == 0 {
		return text
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", fields[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
