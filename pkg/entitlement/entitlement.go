// Package entitlement resolves a customer's feature tier from Stripe.
//
// Tier lookups gate optional features, not access, so every failure path
// answers with the lowest tier instead of an error.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"killswitch/pkg/httpx"
)

const (
	DefaultBaseURL = "https://api.stripe.com"

	SourceStripe   = "stripe"
	SourceFallback = "fallback"
)

var (
	ErrNotConfigured = errors.New("stripe secret key not configured")
	ErrNoCustomer    = errors.New("no customer for email")
	ErrEmptyEmail    = errors.New("email is required")
)

// Result is the payload returned to the caller.
type Result struct {
	Email      string `json:"email"`
	Tier       string `json:"tier"`
	Source     string `json:"source"`
	CustomerID string `json:"customer_id,omitempty"`
	Affiliate  string `json:"affiliate,omitempty"`
}

type Resolver struct {
	BaseURL   string
	SecretKey string
	// PriceTiers maps a Stripe price id to a tier name.
	PriceTiers map[string]string
	// TierOrder lists tiers lowest first.
	TierOrder  []string
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
}

// LowestTier is the fallback answer.
func (r *Resolver) LowestTier() string {
	if len(r.TierOrder) == 0 {
		return "free"
	}
	return r.TierOrder[0]
}

// Resolve never fails for provider problems; only an empty email is a
// caller error.
func (r *Resolver) Resolve(ctx context.Context, email string) (Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Result{}, ErrEmptyEmail
	}
	res, err := r.lookup(ctx, email)
	if err != nil {
		log.Printf("entitlement lookup failed, using %s: %v", r.LowestTier(), err)
		return Result{Email: email, Tier: r.LowestTier(), Source: SourceFallback}, nil
	}
	return res, nil
}

type customerList struct {
	Data []struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
}

type subscriptionList struct {
	Data []struct {
		Items struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	} `json:"data"`
}

func (r *Resolver) lookup(ctx context.Context, email string) (Result, error) {
	if strings.TrimSpace(r.SecretKey) == "" {
		return Result{}, ErrNotConfigured
	}
	var customers customerList
	if err := r.get(ctx, "/v1/customers", url.Values{"email": {email}, "limit": {"1"}}, &customers); err != nil {
		return Result{}, err
	}
	if len(customers.Data) == 0 {
		return Result{}, ErrNoCustomer
	}
	cust := customers.Data[0]
	affiliate := firstNonEmpty(cust.Metadata["affiliate"], cust.Metadata["ref"])
	if affiliate != "" {
		log.Printf("entitlement attribution customer=%s affiliate=%s", cust.ID, affiliate)
	}

	var subs subscriptionList
	q := url.Values{"customer": {cust.ID}, "status": {"active"}, "limit": {"20"}}
	if err := r.get(ctx, "/v1/subscriptions", q, &subs); err != nil {
		return Result{}, err
	}
	var prices []string
	for _, s := range subs.Data {
		for _, item := range s.Items.Data {
			prices = append(prices, item.Price.ID)
		}
	}
	return Result{
		Email:      email,
		Tier:       r.tierFor(prices),
		Source:     SourceStripe,
		CustomerID: cust.ID,
		Affiliate:  affiliate,
	}, nil
}

// tierFor picks the highest ranked tier among the mapped prices.
func (r *Resolver) tierFor(prices []string) string {
	best, bestRank := r.LowestTier(), 0
	for _, p := range prices {
		tier, ok := r.PriceTiers[p]
		if !ok {
			continue
		}
		if rank := r.rank(tier); rank > bestRank {
			best, bestRank = strings.TrimSpace(r.TierOrder[rank]), rank
		}
	}
	return best
}

func (r *Resolver) rank(tier string) int {
	for i, t := range r.TierOrder {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(tier)) {
			return i
		}
	}
	return -1
}

func (r *Resolver) get(ctx context.Context, path string, q url.Values, out any) error {
	base := strings.TrimRight(firstNonEmpty(r.BaseURL, DefaultBaseURL), "/")
	status, body, err := httpx.Do(ctx, r.HTTP, httpx.Request{
		Method:     http.MethodGet,
		URL:        base + path + "?" + q.Encode(),
		Headers:    map[string]string{"Authorization": "Bearer " + r.SecretKey},
		Retries:    r.Retries,
		RetryDelay: r.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("stripe %s: %w", path, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("stripe %s returned %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe %s: decode: %w", path, err)
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
