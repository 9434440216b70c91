package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Admin API resources
const (
	ResourceBookings = "bookings"
	ResourceTents    = "tents"
	ResourceAdmins   = "admins"
	ResourceRefunds  = "refunds"
)

// Resource is a REST collection of the admin API.
type Resource struct {
	client *Client
	name   string
}

// Bookings returns the bookings collection.
func (c *Client) Bookings() *Resource { return c.Resource(ResourceBookings) }

// Tents returns the tents collection.
func (c *Client) Tents() *Resource { return c.Resource(ResourceTents) }

// Admins returns the admin accounts collection.
func (c *Client) Admins() *Resource { return c.Resource(ResourceAdmins) }

// Refunds returns the refunds collection.
func (c *Client) Refunds() *Resource { return c.Resource(ResourceRefunds) }

// Resource returns the collection served under /name.
func (c *Client) Resource(name string) *Resource {
	return &Resource{client: c, name: name}
}

// Name returns the collection name.
func (r *Resource) Name() string { return r.name }

// List decodes the collection into out. Concurrent lists share one request.
func (r *Resource) List(ctx context.Context, out any) error {
	data, err := r.client.call(ctx, "list-"+r.name, PriorityRead, http.MethodGet, r.path(""), nil)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Get decodes the item with the given id into out.
func (r *Resource) Get(ctx context.Context, id string, out any) error {
	data, err := r.client.call(ctx, r.key("get", id), PriorityRead, http.MethodGet, r.path(id), nil)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Create posts in and decodes the created item into out, which may be nil.
// Identical creates submitted while one is outstanding share its result.
func (r *Resource) Create(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", r.name, err)
	}

	key := fmt.Sprintf("create-%s-%s", r.name, digest(body))
	data, err := r.client.call(ctx, key, PriorityWrite, http.MethodPost, r.path(""), body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Update replaces the item with the given id and decodes the result into out,
// which may be nil.
func (r *Resource) Update(ctx context.Context, id string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", r.name, err)
	}

	key := r.key("update", id) + "-" + digest(body)
	data, err := r.client.call(ctx, key, PriorityWrite, http.MethodPut, r.path(id), body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Delete removes the item with the given id.
func (r *Resource) Delete(ctx context.Context, id string) error {
	_, err := r.client.call(ctx, r.key("delete", id), PriorityWrite, http.MethodDelete, r.path(id), nil)
	return err
}

func (r *Resource) key(action, id string) string {
	return fmt.Sprintf("%s-%s-%s", action, r.name, id)
}

func (r *Resource) path(id string) string {
	if id == "" {
		return "/" + r.name
	}
	return "/" + r.name + "/" + url.PathEscape(id)
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

func decode(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
