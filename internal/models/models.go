package models

import (
	"net/url"
	"strings"
	"time"
)

// Platform is the CMS kind a tenant syncs from.
type Platform string

const (
	PlatformShopify   Platform = "SHOPIFY"
	PlatformWordPress Platform = "WORDPRESS"
)

func (p Platform) Valid() bool {
	return p == PlatformShopify || p == PlatformWordPress
}

// Modality is the channel a conversation turn arrives on.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
)

// Tenant represents one connected site.
type Tenant struct {
	ID               string     `db:"id" json:"id"`
	Domain           string     `db:"domain" json:"domain"`
	Platform         Platform   `db:"platform" json:"platform"`
	MonthlyQueries   int        `db:"monthly_queries" json:"monthly_queries"`
	QueryLimit       int        `db:"query_limit" json:"query_limit"`
	Active           bool       `db:"active" json:"active"`
	LastSyncedAt     *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	TextAssistantID  string     `db:"text_assistant_id" json:"text_assistant_id,omitempty"`
	VoiceAssistantID string     `db:"voice_assistant_id" json:"voice_assistant_id,omitempty"`
	VectorNamespace  string     `db:"vector_namespace" json:"vector_namespace,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Namespace is the tenant's vector namespace; it defaults to the tenant id.
func (t *Tenant) Namespace() string {
	if t.VectorNamespace != "" {
		return t.VectorNamespace
	}
	return t.ID
}

// AssistantFor returns the assistant assigned to a modality, or "".
func (t *Tenant) AssistantFor(m Modality) string {
	if m == ModalityVoice {
		return t.VoiceAssistantID
	}
	return t.TextAssistantID
}

func (t *Tenant) QuotaExhausted() bool {
	return t.MonthlyQueries >= t.QueryLimit
}

// AccessKey is a tenant credential. Only the bcrypt hash of the secret is kept.
type AccessKey struct {
	ID         string     `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	SecretHash string     `db:"secret_hash" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// ContentType is the closed set of syncable entity kinds.
type ContentType string

const (
	ContentPage     ContentType = "page"
	ContentProduct  ContentType = "product"
	ContentPost     ContentType = "post"
	ContentComment  ContentType = "comment"
	ContentReview   ContentType = "review"
	ContentDiscount ContentType = "discount"
)

// ContentTypes lists every content type in processing order.
var ContentTypes = []ContentType{
	ContentPage, ContentProduct, ContentPost, ContentComment, ContentReview, ContentDiscount,
}

func (c ContentType) Valid() bool {
	for _, t := range ContentTypes {
		if t == c {
			return true
		}
	}
	return false
}

// ContentItem is one normalized unit of synced content. Exactly one of the
// detail pointers is set, matching Type.
type ContentItem struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	Type            ContentType `json:"type"`
	SourceID        string      `json:"source_id"`
	Title           string      `json:"title"`
	Body            string      `json:"body"`
	URL             string      `json:"url"`
	ParentID        string      `json:"parent_id,omitempty"`   // blog for posts, post for comments, product for reviews
	ReplyToID       string      `json:"reply_to_id,omitempty"` // parent comment
	SourceUpdatedAt *time.Time  `json:"source_updated_at,omitempty"`

	Product  *ProductDetails  `json:"product,omitempty"`
	Post     *PostDetails     `json:"post,omitempty"`
	Comment  *CommentDetails  `json:"comment,omitempty"`
	Review   *ReviewDetails   `json:"review,omitempty"`
	Discount *DiscountDetails `json:"discount,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VectorID is the deterministic id of the item's vector record.
func (c *ContentItem) VectorID() string {
	return string(c.Type) + "-" + c.SourceID
}

// Slug is the trailing path segment of the item's URL or handle.
func (c *ContentItem) Slug() string {
	return SlugOf(c.URL)
}

// SlugOf extracts the trailing non-empty path segment from a URL or path.
func SlugOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return strings.ToLower(path)
}

type ProductDetails struct {
	Price          string           `json:"price,omitempty"`
	CompareAtPrice string           `json:"compare_at_price,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	Vendor         string           `json:"vendor,omitempty"`
	ProductType    string           `json:"product_type,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	Categories     []string         `json:"categories,omitempty"`
	Variants       []ProductVariant `json:"variants,omitempty"`
	Images         []ProductImage   `json:"images,omitempty"`
}

// ProductVariant and ProductImage are child rows of a product; they are
// replaced as a set every time the product is synced.
type ProductVariant struct {
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	Price     string `json:"price,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Available bool   `json:"available"`
}

type ProductImage struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	AltText  string `json:"alt_text,omitempty"`
	Position int    `json:"position"`
}

type PostDetails struct {
	Author      string     `json:"author,omitempty"`
	BlogTitle   string     `json:"blog_title,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type CommentDetails struct {
	Author   string     `json:"author,omitempty"`
	Status   string     `json:"status,omitempty"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
}

type ReviewDetails struct {
	Rating      float64    `json:"rating"`
	Reviewer    string     `json:"reviewer,omitempty"`
	Verified    bool       `json:"verified"`
	ReviewTitle string     `json:"review_title,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
}

type DiscountDetails struct {
	Code      string     `json:"code,omitempty"`
	ValueType string     `json:"value_type,omitempty"`
	Value     string     `json:"value,omitempty"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// ItemError records one content record that could not be processed.
type ItemError struct {
	Type     ContentType `json:"type"`
	SourceID string      `json:"source_id"`
	Error    string      `json:"error"`
}

// Role is the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationThread is a persisted session bound to one external LLM thread.
type ConversationThread struct {
	ID            string    `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	ExternalID    string    `db:"external_id" json:"external_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	LastMessageAt time.Time `db:"last_message_at" json:"last_message_at"`
}

// Message is append-only. Assistant content is an AssistantReply as JSON.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Modality  Modality  `db:"modality" json:"modality"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AssistantReply is the structured answer the assistant must produce.
type AssistantReply struct {
	Content      string `json:"content"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ScrollToText string `json:"scroll_to_text,omitempty"`
}
