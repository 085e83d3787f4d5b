package vectorize_engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/markdave123-py/Sitewise/internal/models"
)

// Metadata keys shared with the context assembler.
const (
	MetaTenantID    = "tenantId"
	MetaType        = "type"
	MetaSourceID    = "sourceId"
	MetaTitle       = "title"
	MetaURL         = "url"
	MetaContent     = "content"
	MetaPrice       = "price"
	MetaCompareAt   = "compareAtPrice"
	MetaCurrency    = "currency"
	MetaVendor      = "vendor"
	MetaCategories  = "categories"
	MetaTags        = "tags"
	MetaVariants    = "variants"
	MetaReviewIDs   = "reviewIds"
	MetaAvgRating   = "avgRating"
	MetaAuthor      = "author"
	MetaBlogTitle   = "blogTitle"
	MetaDate        = "date"
	MetaPostID      = "postId"
	MetaPostTitle   = "postTitle"
	MetaPostURL     = "postUrl"
	MetaProductID   = "productId"
	MetaProductName = "productName"
	MetaRating      = "rating"
	MetaReviewer    = "reviewer"
	MetaVerified    = "verified"
	MetaCode        = "code"
	MetaValue       = "value"
	MetaValueType   = "valueType"
	MetaStartsAt    = "startsAt"
	MetaEndsAt      = "endsAt"
)

const (
	// maxContentMeta bounds the body copy kept in vector metadata.
	maxContentMeta = 1500
	// maxEmbedBody bounds the body rendered into embedding input.
	maxEmbedBody = 6000
)

// snapshot is the tenant's content at rebuild time, indexed for the
// cross-references templates need.
type snapshot struct {
	items            map[models.ContentType][]models.ContentItem
	posts            map[string]*models.ContentItem
	products         map[string]*models.ContentItem
	reviewsByProduct map[string][]*models.ContentItem
}

func newSnapshot(items map[models.ContentType][]models.ContentItem) *snapshot {
	s := &snapshot{
		items:            items,
		posts:            make(map[string]*models.ContentItem),
		products:         make(map[string]*models.ContentItem),
		reviewsByProduct: make(map[string][]*models.ContentItem),
	}
	for i := range items[models.ContentPost] {
		p := &items[models.ContentPost][i]
		s.posts[p.SourceID] = p
	}
	for i := range items[models.ContentProduct] {
		p := &items[models.ContentProduct][i]
		s.products[p.SourceID] = p
	}
	for i := range items[models.ContentReview] {
		r := &items[models.ContentReview][i]
		s.reviewsByProduct[r.ParentID] = append(s.reviewsByProduct[r.ParentID], r)
	}
	return s
}

// embeddingText renders the text embedded for one item.
func (s *snapshot) embeddingText(item *models.ContentItem) string {
	body := truncate(item.Body, maxEmbedBody)
	var b strings.Builder
	switch item.Type {
	case models.ContentProduct:
		b.WriteString(item.Title)
		if d := item.Product; d != nil {
			if d.Vendor != "" {
				fmt.Fprintf(&b, " by %s", d.Vendor)
			}
			b.WriteString("\n")
			b.WriteString(body)
			if v := flattenVariants(d.Variants); v != "" {
				fmt.Fprintf(&b, "\nVariants: %s", v)
			}
			if len(d.Categories) > 0 {
				fmt.Fprintf(&b, "\nCategories: %s", strings.Join(d.Categories, ", "))
			}
			if len(d.Tags) > 0 {
				fmt.Fprintf(&b, "\nTags: %s", strings.Join(d.Tags, ", "))
			}
		} else {
			b.WriteString("\n")
			b.WriteString(body)
		}
	case models.ContentPost:
		fmt.Fprintf(&b, "Blog post %q", item.Title)
		if item.Post != nil && item.Post.Author != "" {
			fmt.Fprintf(&b, " by %s", item.Post.Author)
		}
		fmt.Fprintf(&b, ": %s", body)
	case models.ContentComment:
		postTitle := ""
		if p := s.posts[item.ParentID]; p != nil {
			postTitle = p.Title
		}
		fmt.Fprintf(&b, "Comment on post %q: %s", postTitle, body)
	case models.ContentReview:
		name := ""
		if p := s.products[item.ParentID]; p != nil {
			name = p.Title
		}
		fmt.Fprintf(&b, "Review of %q", name)
		if r := item.Review; r != nil {
			fmt.Fprintf(&b, " (%s/5)", formatRating(r.Rating))
			if r.Reviewer != "" {
				fmt.Fprintf(&b, " by %s", r.Reviewer)
			}
			if r.ReviewTitle != "" {
				fmt.Fprintf(&b, ": %s.", r.ReviewTitle)
			}
		}
		fmt.Fprintf(&b, " %s", body)
	case models.ContentDiscount:
		if d := item.Discount; d != nil {
			fmt.Fprintf(&b, "Discount code %s: %s", d.Code, discountValue(d))
			if d.Summary != "" {
				fmt.Fprintf(&b, ". %s", d.Summary)
			}
		}
		if body != "" {
			fmt.Fprintf(&b, "\n%s", body)
		}
	default:
		fmt.Fprintf(&b, "Page: %s\n%s", item.Title, body)
	}
	return strings.TrimSpace(b.String())
}

// metadata captures everything the assembler renders, so a query never
// needs a second store lookup.
func (s *snapshot) metadata(item *models.ContentItem) map[string]string {
	m := map[string]string{
		MetaTenantID: item.TenantID,
		MetaType:     string(item.Type),
		MetaSourceID: item.SourceID,
		MetaTitle:    item.Title,
		MetaURL:      item.URL,
		MetaContent:  truncate(item.Body, maxContentMeta),
	}
	switch item.Type {
	case models.ContentProduct:
		if d := item.Product; d != nil {
			put(m, MetaPrice, d.Price)
			put(m, MetaCompareAt, d.CompareAtPrice)
			put(m, MetaCurrency, d.Currency)
			put(m, MetaVendor, d.Vendor)
			put(m, MetaCategories, strings.Join(d.Categories, ", "))
			put(m, MetaTags, strings.Join(d.Tags, ", "))
			put(m, MetaVariants, flattenVariants(d.Variants))
		}
		if reviews := s.reviewsByProduct[item.SourceID]; len(reviews) > 0 {
			ids := make([]string, 0, len(reviews))
			var sum float64
			for _, r := range reviews {
				ids = append(ids, r.SourceID)
				if r.Review != nil {
					sum += r.Review.Rating
				}
			}
			m[MetaReviewIDs] = strings.Join(ids, ",")
			m[MetaAvgRating] = formatRating(math.Round(sum/float64(len(reviews))*10) / 10)
		}
	case models.ContentPost:
		if d := item.Post; d != nil {
			put(m, MetaAuthor, d.Author)
			put(m, MetaBlogTitle, d.BlogTitle)
			put(m, MetaDate, formatDate(d.PublishedAt))
		}
	case models.ContentComment:
		m[MetaPostID] = item.ParentID
		if p := s.posts[item.ParentID]; p != nil {
			put(m, MetaPostTitle, p.Title)
			put(m, MetaPostURL, p.URL)
		}
		if d := item.Comment; d != nil {
			put(m, MetaAuthor, d.Author)
			put(m, MetaDate, formatDate(d.PostedAt))
		}
	case models.ContentReview:
		m[MetaProductID] = item.ParentID
		if p := s.products[item.ParentID]; p != nil {
			put(m, MetaProductName, p.Title)
		}
		if d := item.Review; d != nil {
			m[MetaRating] = formatRating(d.Rating)
			m[MetaVerified] = strconv.FormatBool(d.Verified)
			put(m, MetaReviewer, d.Reviewer)
			put(m, MetaDate, formatDate(d.PostedAt))
		}
	case models.ContentDiscount:
		if d := item.Discount; d != nil {
			put(m, MetaCode, d.Code)
			put(m, MetaValue, d.Value)
			put(m, MetaValueType, d.ValueType)
			put(m, MetaStartsAt, formatDate(d.StartsAt))
			put(m, MetaEndsAt, formatDate(d.EndsAt))
		}
	}
	return m
}

func put(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func flattenVariants(vs []models.ProductVariant) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		p := v.Title
		if v.Price != "" {
			p = strings.TrimSpace(p + " " + v.Price)
		}
		if !v.Available {
			p += " (sold out)"
		}
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "; ")
}

func discountValue(d *models.DiscountDetails) string {
	switch d.ValueType {
	case "percentage":
		return strings.TrimPrefix(d.Value, "-") + "% off"
	case "fixed_amount":
		return strings.TrimPrefix(d.Value, "-") + " off"
	}
	return d.Value
}

func formatRating(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
