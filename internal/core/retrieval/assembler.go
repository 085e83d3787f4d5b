package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/vectorize_engine"
	"github.com/markdave123-py/Sitewise/internal/models"
)

const (
	blockDelimiter = "\n---\n"
	noMatches      = "(no relevant site content found)"
)

// slugOrder is the order in which a bare page URL is resolved against stored content.
var slugOrder = []models.ContentType{models.ContentPage, models.ContentPost, models.ContentProduct}

// ContentFinder resolves a page URL to stored content.
type ContentFinder interface {
	FindContentBySlug(ctx context.Context, tenantID string, t models.ContentType, slug string) (*models.ContentItem, error)
}

type Request struct {
	TenantID     string
	Namespace    string // defaults to TenantID
	Query        string
	PageURL      string
	PageTitle    string
	PageContent  string
	PriorQueries []string
	Modality     models.Modality
}

// Assembler turns a visitor query into the context block handed to the assistant.
type Assembler struct {
	content  ContentFinder
	index    core.VectorIndex
	embedder core.EmbeddingProvider
	topK     int
	log      *zap.Logger
}

func NewAssembler(content ContentFinder, index core.VectorIndex, embedder core.EmbeddingProvider, topK int, log *zap.Logger) *Assembler {
	if topK <= 0 {
		topK = 3
	}
	return &Assembler{content: content, index: index, embedder: embedder, topK: topK, log: log.Named("retrieval")}
}

// BuildContext ranks the tenant's indexed content against the query and the
// visitor's recent queries, then renders the matches followed by the
// current page and the input modality.
func (a *Assembler) BuildContext(ctx context.Context, req *Request) (string, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return "", errors.New("empty query")
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = req.TenantID
	}

	search := strings.TrimSpace(strings.Join(append([]string{req.Query}, req.PriorQueries...), " "))
	vec, err := a.embedder.Embed(ctx, search)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	matches, err := a.index.Query(ctx, namespace, vec, a.topK, nil)
	if err != nil {
		return "", fmt.Errorf("query index: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("## Relevant site content\n")
	if len(matches) == 0 {
		sb.WriteString(noMatches)
		sb.WriteString("\n")
	}
	for i, m := range matches {
		if i > 0 {
			sb.WriteString(blockDelimiter)
		}
		sb.WriteString(renderMatch(m.Metadata))
	}

	if page := a.currentPage(ctx, req); page != "" {
		sb.WriteString("\n## Current page\n")
		sb.WriteString(page)
	}

	modality := req.Modality
	if modality == "" {
		modality = models.ModalityText
	}
	fmt.Fprintf(&sb, "\n[input modality: %s]", modality)

	a.log.Debug("context built",
		zap.String("tenant", req.TenantID),
		zap.Int("matches", len(matches)),
		zap.Int("bytes", sb.Len()))
	return sb.String(), nil
}

// currentPage renders caller-supplied page context. With a URL but no
// content it falls back to the first stored page, post or product whose slug
// matches.
func (a *Assembler) currentPage(ctx context.Context, req *Request) string {
	title, content := req.PageTitle, req.PageContent
	if content == "" && req.PageURL != "" && a.content != nil {
		if item := a.resolveSlug(ctx, req.TenantID, req.PageURL); item != nil {
			if title == "" {
				title = item.Title
			}
			content = item.Body
		}
	}
	if req.PageURL == "" && title == "" && content == "" {
		return ""
	}

	var sb strings.Builder
	line(&sb, "URL", req.PageURL)
	line(&sb, "Title", title)
	if content != "" {
		sb.WriteString("Content:\n")
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (a *Assembler) resolveSlug(ctx context.Context, tenantID, pageURL string) *models.ContentItem {
	slug := models.SlugOf(pageURL)
	if slug == "" {
		return nil
	}
	for _, t := range slugOrder {
		item, err := a.content.FindContentBySlug(ctx, tenantID, t, slug)
		if err == nil {
			return item
		}
		if !errors.Is(err, core.ErrNotFound) {
			a.log.Warn("page lookup failed",
				zap.String("tenant", tenantID),
				zap.String("type", string(t)),
				zap.String("slug", slug),
				zap.Error(err))
		}
	}
	return nil
}

func renderMatch(meta map[string]string) string {
	var sb strings.Builder
	switch models.ContentType(meta[vectorize_engine.MetaType]) {
	case models.ContentProduct:
		line(&sb, "Product", meta[vectorize_engine.MetaTitle])
		line(&sb, "URL", meta[vectorize_engine.MetaURL])
		price := meta[vectorize_engine.MetaPrice]
		if price != "" && meta[vectorize_engine.MetaCurrency] != "" {
			price += " " + meta[vectorize_engine.MetaCurrency]
		}
		line(&sb, "Price", price)
		line(&sb, "Compare at", meta[vectorize_engine.MetaCompareAt])
		line(&sb, "Vendor", meta[vectorize_engine.MetaVendor])
		line(&sb, "Categories", meta[vectorize_engine.MetaCategories])
		line(&sb, "Tags", meta[vectorize_engine.MetaTags])
		line(&sb, "Variants", meta[vectorize_engine.MetaVariants])
		if ids := meta[vectorize_engine.MetaReviewIDs]; ids != "" {
			fmt.Fprintf(&sb, "Reviews: %d (average rating %s)\n", len(strings.Split(ids, ",")), meta[vectorize_engine.MetaAvgRating])
		}
		line(&sb, "Description", meta[vectorize_engine.MetaContent])
	case models.ContentPost:
		line(&sb, "Post", meta[vectorize_engine.MetaTitle])
		line(&sb, "URL", meta[vectorize_engine.MetaURL])
		line(&sb, "Blog", meta[vectorize_engine.MetaBlogTitle])
		line(&sb, "Author", meta[vectorize_engine.MetaAuthor])
		line(&sb, "Date", meta[vectorize_engine.MetaDate])
		line(&sb, "Body", meta[vectorize_engine.MetaContent])
	case models.ContentComment:
		line(&sb, "Comment on", meta[vectorize_engine.MetaPostTitle])
		line(&sb, "Post URL", meta[vectorize_engine.MetaPostURL])
		line(&sb, "Author", meta[vectorize_engine.MetaAuthor])
		line(&sb, "Date", meta[vectorize_engine.MetaDate])
		line(&sb, "Comment", meta[vectorize_engine.MetaContent])
	case models.ContentReview:
		line(&sb, "Review of", meta[vectorize_engine.MetaProductName])
		if r := meta[vectorize_engine.MetaRating]; r != "" {
			fmt.Fprintf(&sb, "Rating: %s/5\n", r)
		}
		line(&sb, "Reviewer", meta[vectorize_engine.MetaReviewer])
		line(&sb, "Date", meta[vectorize_engine.MetaDate])
		if meta[vectorize_engine.MetaVerified] == "true" {
			sb.WriteString("Verified purchase\n")
		}
		line(&sb, "Review", meta[vectorize_engine.MetaContent])
	case models.ContentDiscount:
		line(&sb, "Discount", meta[vectorize_engine.MetaTitle])
		line(&sb, "Code", meta[vectorize_engine.MetaCode])
		value := meta[vectorize_engine.MetaValue]
		if vt := meta[vectorize_engine.MetaValueType]; value != "" && vt != "" {
			value += " (" + vt + ")"
		}
		line(&sb, "Value", value)
		line(&sb, "Valid from", meta[vectorize_engine.MetaStartsAt])
		line(&sb, "Valid until", meta[vectorize_engine.MetaEndsAt])
		line(&sb, "Details", meta[vectorize_engine.MetaContent])
	default:
		line(&sb, "Page", meta[vectorize_engine.MetaTitle])
		line(&sb, "URL", meta[vectorize_engine.MetaURL])
		line(&sb, "Content", meta[vectorize_engine.MetaContent])
	}
	return sb.String()
}

func line(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}
