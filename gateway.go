package roshan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Gateway interface
// ============================================================================

// Filter is a set of equality predicates on column values.
type Filter map[string]any

// Patch is a partial row update.
type Patch map[string]any

// Subscription is an open change-feed stream for one collection.
// Events delivers typed events until Unsubscribe is called or the stream
// fails past its retry budget, after which the channel is closed.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe() error
}

// UserGateway is the CRUD surface of the users collection.
type UserGateway interface {
	List(ctx context.Context, order string, limit int) ([]User, error)
	Find(ctx context.Context, filter Filter) (*User, error)
	Create(ctx context.Context, u *User) (*User, error)
	Update(ctx context.Context, filter Filter, patch Patch) error
	Delete(ctx context.Context, filter Filter) error
}

// GroupGateway is the CRUD surface of the groups collection.
type GroupGateway interface {
	List(ctx context.Context, limit int) ([]Group, error)
	Find(ctx context.Context, filter Filter) (*Group, error)
	Create(ctx context.Context, g *Group) (*Group, error)
}

// MemberGateway is the CRUD surface of the group-membership relation.
// Create returns ErrConflict when the (group, user) pair already exists.
type MemberGateway interface {
	ListAll(ctx context.Context) ([]Membership, error)
	ListByGroup(ctx context.Context, groupID string) ([]Membership, error)
	Find(ctx context.Context, groupID, userID string) (*Membership, error)
	Create(ctx context.Context, m *Membership) (*Membership, error)
	Delete(ctx context.Context, filter Filter) error
}

// MessageGateway is the CRUD surface of the messages collection.
type MessageGateway interface {
	ListByGroup(ctx context.Context, groupID string, limit int) ([]Message, error)
	Create(ctx context.Context, m *Message) (*Message, error)
	Delete(ctx context.Context, filter Filter) error
}

// Gateway is the full interface the synchronization core consumes. The
// hosted service is modeled only through this surface.
type Gateway interface {
	Users() UserGateway
	Groups() GroupGateway
	Members() MemberGateway
	Messages() MessageGateway

	// Subscribe opens a change-feed stream for one collection. A failed
	// subscribe is reported once; the engine decides whether to degrade.
	Subscribe(ctx context.Context, collection Collection) (Subscription, error)
}

// ============================================================================
// RESTGateway
// ============================================================================

const defaultGatewayTimeout = 30 * time.Second

// RESTGateway talks to the hosted data service over its REST surface and
// opens change-feed subscriptions over its websocket endpoint.
type RESTGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	feed       *feedConfig

	users    *restUsers
	groups   *restGroups
	members  *restMembers
	messages *restMessages
}

// GatewayOption configures a RESTGateway.
type GatewayOption func(*RESTGateway)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) GatewayOption {
	return func(g *RESTGateway) { g.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *RESTGateway) { g.httpClient = client }
}

// WithGatewayTimeout overrides the per-request timeout.
func WithGatewayTimeout(timeout time.Duration) GatewayOption {
	return func(g *RESTGateway) { g.httpClient.Timeout = timeout }
}

// WithFeedConfig overrides change-feed reconnect behaviour.
func WithFeedConfig(cfg FeedConfig) GatewayOption {
	return func(g *RESTGateway) { g.feed.apply(cfg) }
}

// NewRESTGateway creates a gateway client for the given base URL.
func NewRESTGateway(baseURL string, opts ...GatewayOption) *RESTGateway {
	g := &RESTGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultGatewayTimeout},
		feed:       defaultFeedConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.users = &restUsers{g: g}
	g.groups = &restGroups{g: g}
	g.members = &restMembers{g: g}
	g.messages = &restMessages{g: g}
	return g
}

func (g *RESTGateway) Users() UserGateway       { return g.users }
func (g *RESTGateway) Groups() GroupGateway     { return g.groups }
func (g *RESTGateway) Members() MemberGateway   { return g.members }
func (g *RESTGateway) Messages() MessageGateway { return g.messages }

// Subscribe opens a websocket change feed for one collection.
func (g *RESTGateway) Subscribe(ctx context.Context, collection Collection) (Subscription, error) {
	return openFeed(ctx, g.wsURL(collection), collection, g.feed)
}

func (g *RESTGateway) wsURL(collection Collection) string {
	base := strings.Replace(g.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/realtime/v1?table=" + url.QueryEscape(string(collection))
	if g.apiKey != "" {
		u += "&token=" + url.QueryEscape(g.apiKey)
	}
	return u
}

// ── Request helper ───────────────────────────────────────────────────────

func (g *RESTGateway) doRequest(ctx context.Context, method string, collection Collection, body any, query url.Values) ([]byte, error) {
	u := g.baseURL + "/rest/v1/" + string(collection)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		req.Header.Set("apikey", g.apiKey)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if method == http.MethodPost {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, gatewayErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// gatewayErrorFrom maps an error response onto the package taxonomy.
func gatewayErrorFrom(status int, body []byte) error {
	var ge GatewayError
	if json.Unmarshal(body, &ge) != nil || ge.Message == "" {
		ge = GatewayError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
	}
	switch {
	case status == http.StatusConflict || ge.Code == "23505":
		return fmt.Errorf("%w: %s", ErrConflict, ge.Message)
	case status == http.StatusNotFound || status == http.StatusNotAcceptable:
		return ErrNotFound
	}
	return &ge
}

func filterQuery(filter Filter) url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, fmt.Sprintf("eq.%v", filter[k]))
	}
	return q
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rows, nil
}

// decodeOne returns the first row, or ErrNotFound for an empty result set.
func decodeOne[T any](data []byte) (*T, error) {
	rows, err := decodeRows[T](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ── Typed sub-clients ────────────────────────────────────────────────────

type restUsers struct{ g *RESTGateway }

func (c *restUsers) List(ctx context.Context, order string, limit int) ([]User, error) {
	q := url.Values{}
	if order != "" {
		q.Set("order", order)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionUsers, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeRows[User](data)
}

func (c *restUsers) Find(ctx context.Context, filter Filter) (*User, error) {
	q := filterQuery(filter)
	q.Set("limit", "1")
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionUsers, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeOne[User](data)
}

func (c *restUsers) Create(ctx context.Context, u *User) (*User, error) {
	data, err := c.g.doRequest(ctx, http.MethodPost, CollectionUsers, u, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[User](data)
}

func (c *restUsers) Update(ctx context.Context, filter Filter, patch Patch) error {
	_, err := c.g.doRequest(ctx, http.MethodPatch, CollectionUsers, patch, filterQuery(filter))
	return err
}

func (c *restUsers) Delete(ctx context.Context, filter Filter) error {
	_, err := c.g.doRequest(ctx, http.MethodDelete, CollectionUsers, nil, filterQuery(filter))
	return err
}

type restGroups struct{ g *RESTGateway }

func (c *restGroups) List(ctx context.Context, limit int) ([]Group, error) {
	q := url.Values{}
	q.Set("order", "created_at.desc")
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionGroups, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeRows[Group](data)
}

func (c *restGroups) Find(ctx context.Context, filter Filter) (*Group, error) {
	q := filterQuery(filter)
	q.Set("limit", "1")
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionGroups, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeOne[Group](data)
}

func (c *restGroups) Create(ctx context.Context, g *Group) (*Group, error) {
	data, err := c.g.doRequest(ctx, http.MethodPost, CollectionGroups, g, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[Group](data)
}

type restMembers struct{ g *RESTGateway }

func (c *restMembers) ListAll(ctx context.Context) ([]Membership, error) {
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionMembers, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[Membership](data)
}

func (c *restMembers) ListByGroup(ctx context.Context, groupID string) ([]Membership, error) {
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionMembers, nil, filterQuery(Filter{"group_id": groupID}))
	if err != nil {
		return nil, err
	}
	return decodeRows[Membership](data)
}

func (c *restMembers) Find(ctx context.Context, groupID, userID string) (*Membership, error) {
	q := filterQuery(Filter{"group_id": groupID, "user_id": userID})
	q.Set("limit", "1")
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionMembers, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeOne[Membership](data)
}

func (c *restMembers) Create(ctx context.Context, m *Membership) (*Membership, error) {
	data, err := c.g.doRequest(ctx, http.MethodPost, CollectionMembers, m, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[Membership](data)
}

func (c *restMembers) Delete(ctx context.Context, filter Filter) error {
	_, err := c.g.doRequest(ctx, http.MethodDelete, CollectionMembers, nil, filterQuery(filter))
	return err
}

type restMessages struct{ g *RESTGateway }

func (c *restMessages) ListByGroup(ctx context.Context, groupID string, limit int) ([]Message, error) {
	q := filterQuery(Filter{"group_id": groupID})
	q.Set("order", "created_at.asc")
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := c.g.doRequest(ctx, http.MethodGet, CollectionMessages, nil, q)
	if err != nil {
		return nil, err
	}
	return decodeRows[Message](data)
}

func (c *restMessages) Create(ctx context.Context, m *Message) (*Message, error) {
	data, err := c.g.doRequest(ctx, http.MethodPost, CollectionMessages, m, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[Message](data)
}

func (c *restMessages) Delete(ctx context.Context, filter Filter) error {
	_, err := c.g.doRequest(ctx, http.MethodDelete, CollectionMessages, nil, filterQuery(filter))
	return err
}
