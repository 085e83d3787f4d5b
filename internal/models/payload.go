package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.sajari.com/docconv"
)

// SyncPayload is the raw bulk body of a sync request: one array of
// platform-native records per content type.
type SyncPayload struct {
	Pages     []json.RawMessage `json:"pages,omitempty"`
	Products  []json.RawMessage `json:"products,omitempty"`
	Posts     []json.RawMessage `json:"posts,omitempty"`
	Comments  []json.RawMessage `json:"comments,omitempty"`
	Reviews   []json.RawMessage `json:"reviews,omitempty"`
	Discounts []json.RawMessage `json:"discounts,omitempty"`
}

func (p *SyncPayload) records(t ContentType) []json.RawMessage {
	switch t {
	case ContentPage:
		return p.Pages
	case ContentProduct:
		return p.Products
	case ContentPost:
		return p.Posts
	case ContentComment:
		return p.Comments
	case ContentReview:
		return p.Reviews
	case ContentDiscount:
		return p.Discounts
	}
	return nil
}

// Len is the number of raw records across all types.
func (p *SyncPayload) Len() int {
	n := 0
	for _, t := range ContentTypes {
		n += len(p.records(t))
	}
	return n
}

// Normalize decodes every raw record into a ContentItem for tenantID.
// Records that fail validation are reported as ItemErrors; a source id seen
// twice in one array keeps its last occurrence.
func (p *SyncPayload) Normalize(tenantID string) (map[ContentType][]ContentItem, []ItemError) {
	out := make(map[ContentType][]ContentItem)
	var errs []ItemError

	for _, t := range ContentTypes {
		raws := p.records(t)
		if len(raws) == 0 {
			continue
		}
		items := make([]ContentItem, 0, len(raws))
		seen := make(map[string]int, len(raws))
		for _, raw := range raws {
			item, err := decodeRecord(t, raw)
			if err != nil {
				errs = append(errs, ItemError{Type: t, SourceID: item.SourceID, Error: err.Error()})
				continue
			}
			item.TenantID = tenantID
			if i, dup := seen[item.SourceID]; dup {
				items[i] = item
				continue
			}
			seen[item.SourceID] = len(items)
			items = append(items, item)
		}
		if len(items) > 0 {
			out[t] = items
		}
	}
	return out, errs
}

// FlexString accepts a JSON string, number or null.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

// FlexList accepts a JSON array of strings or one comma-separated string.
type FlexList []string

func (f *FlexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	var list []FlexString
	if b[0] == '[' {
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
	} else {
		var s FlexString
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, part := range strings.Split(string(s), ",") {
			list = append(list, FlexString(part))
		}
	}
	var out []string
	for _, v := range list {
		if s := strings.TrimSpace(string(v)); s != "" {
			out = append(out, s)
		}
	}
	*f = out
	return nil
}

// rawRecord is the union of field names the two supported platforms send.
type rawRecord struct {
	ID          FlexString `json:"id"`
	Title       string     `json:"title"`
	Name        string     `json:"name"`
	BodyHTML    string     `json:"body_html"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	Body        string     `json:"body"`
	Handle      string     `json:"handle"`
	Slug        string     `json:"slug"`
	URL         string     `json:"url"`
	Link        string     `json:"link"`
	UpdatedAt   string     `json:"updated_at"`

	Vendor         string       `json:"vendor"`
	ProductType    string       `json:"product_type"`
	Tags           FlexList     `json:"tags"`
	Categories     FlexList     `json:"categories"`
	Price          FlexString   `json:"price"`
	CompareAtPrice FlexString   `json:"compare_at_price"`
	Currency       string       `json:"currency"`
	Variants       []rawVariant `json:"variants"`
	Images         []rawImage   `json:"images"`

	Author      string     `json:"author"`
	BlogID      FlexString `json:"blog_id"`
	BlogTitle   string     `json:"blog_title"`
	Excerpt     string     `json:"excerpt"`
	PublishedAt string     `json:"published_at"`

	PostID    FlexString `json:"post_id"`
	ParentID  FlexString `json:"parent_id"`
	Status    string     `json:"status"`
	Date      string     `json:"date"`
	CreatedAt string     `json:"created_at"`

	ProductID FlexString `json:"product_id"`
	Rating    FlexString `json:"rating"`
	Reviewer  string     `json:"reviewer"`
	Verified  bool       `json:"verified"`

	Code      string     `json:"code"`
	ValueType string     `json:"value_type"`
	Value     FlexString `json:"value"`
	StartsAt  string     `json:"starts_at"`
	EndsAt    string     `json:"ends_at"`
	Summary   string     `json:"summary"`
}

type rawVariant struct {
	ID        FlexString `json:"id"`
	Title     string     `json:"title"`
	Price     FlexString `json:"price"`
	SKU       string     `json:"sku"`
	Available *bool      `json:"available"`
}

type rawImage struct {
	ID       FlexString `json:"id"`
	Src      string     `json:"src"`
	URL      string     `json:"url"`
	Alt      string     `json:"alt"`
	Position int        `json:"position"`
}

var errMissingID = errors.New("record has no id")

func decodeRecord(t ContentType, raw json.RawMessage) (ContentItem, error) {
	var r rawRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return ContentItem{}, fmt.Errorf("decode %s: %w", t, err)
	}
	item := ContentItem{
		Type:            t,
		SourceID:        string(r.ID),
		Title:           firstNonEmpty(r.Title, r.Name),
		URL:             firstNonEmpty(r.URL, r.Link, r.Handle, r.Slug),
		SourceUpdatedAt: parseTime(r.UpdatedAt),
	}
	if item.SourceID == "" {
		return item, errMissingID
	}

	body, err := flattenHTML(firstNonEmpty(r.BodyHTML, r.Content, r.Description, r.Body))
	if err != nil {
		return item, fmt.Errorf("flatten body: %w", err)
	}
	item.Body = body

	switch t {
	case ContentPage:
	case ContentProduct:
		item.Product = productDetails(&r)
	case ContentPost:
		item.ParentID = string(r.BlogID)
		item.Post = &PostDetails{
			Author:      r.Author,
			BlogTitle:   r.BlogTitle,
			Excerpt:     r.Excerpt,
			PublishedAt: parseTime(firstNonEmpty(r.PublishedAt, r.Date)),
		}
	case ContentComment:
		if r.PostID == "" {
			return item, errors.New("comment has no post_id")
		}
		item.ParentID = string(r.PostID)
		if r.ParentID != "0" {
			item.ReplyToID = string(r.ParentID)
		}
		item.Comment = &CommentDetails{
			Author:   firstNonEmpty(r.Author, r.Name),
			Status:   firstNonEmpty(r.Status, "approved"),
			PostedAt: parseTime(firstNonEmpty(r.Date, r.CreatedAt)),
		}
	case ContentReview:
		if r.ProductID == "" {
			return item, errors.New("review has no product_id")
		}
		item.ParentID = string(r.ProductID)
		rating := 0.0
		if r.Rating != "" {
			rating, err = strconv.ParseFloat(string(r.Rating), 64)
			if err != nil {
				return item, fmt.Errorf("invalid rating %q", r.Rating)
			}
		}
		item.Review = &ReviewDetails{
			Rating:      rating,
			Reviewer:    firstNonEmpty(r.Reviewer, r.Author, r.Name),
			Verified:    r.Verified,
			ReviewTitle: r.Title,
			PostedAt:    parseTime(firstNonEmpty(r.CreatedAt, r.Date)),
		}
	case ContentDiscount:
		item.Title = firstNonEmpty(item.Title, r.Code)
		item.Discount = &DiscountDetails{
			Code:      r.Code,
			ValueType: r.ValueType,
			Value:     string(r.Value),
			StartsAt:  parseTime(r.StartsAt),
			EndsAt:    parseTime(r.EndsAt),
			Summary:   r.Summary,
		}
	default:
		return item, fmt.Errorf("unknown content type %q", t)
	}
	return item, nil
}

func productDetails(r *rawRecord) *ProductDetails {
	d := &ProductDetails{
		Price:          string(r.Price),
		CompareAtPrice: string(r.CompareAtPrice),
		Currency:       r.Currency,
		Vendor:         r.Vendor,
		ProductType:    r.ProductType,
		Tags:           r.Tags,
		Categories:     r.Categories,
	}
	for i, v := range r.Variants {
		available := true
		if v.Available != nil {
			available = *v.Available
		}
		d.Variants = append(d.Variants, ProductVariant{
			SourceID:  firstNonEmpty(string(v.ID), strconv.Itoa(i+1)),
			Title:     v.Title,
			Price:     string(v.Price),
			SKU:       v.SKU,
			Available: available,
		})
	}
	if d.Price == "" && len(d.Variants) > 0 {
		d.Price = d.Variants[0].Price
	}
	for i, img := range r.Images {
		pos := img.Position
		if pos == 0 {
			pos = i + 1
		}
		d.Images = append(d.Images, ProductImage{
			SourceID: firstNonEmpty(string(img.ID), strconv.Itoa(i+1)),
			URL:      firstNonEmpty(img.Src, img.URL),
			AltText:  img.Alt,
			Position: pos,
		})
	}
	return d
}

// flattenHTML converts markup to plain text; plain input is returned trimmed.
func flattenHTML(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s, nil
	}
	text, _, err := docconv.ConvertHTML(strings.NewReader(s), false)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(text), " "), nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime returns nil for empty or unrecognised timestamps.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
