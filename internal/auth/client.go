package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Role scopes what an API client may do.
type Role string

const (
	// RoleBooking is the booking system: it may schedule, reschedule and cancel.
	RoleBooking Role = "booking"
	// RoleOperator is a support dashboard: read-only.
	RoleOperator Role = "operator"
)

func (r Role) valid() bool { return r == RoleBooking || r == RoleOperator }

var ErrInvalidCredentials = errors.New("invalid credentials")

type Client struct {
	ID         string
	Role       Role
	SecretHash string
}

// Clients is the set of API clients allowed to request tokens.
type Clients map[string]Client

// ParseClients reads "id:role:bcrypt-hash" entries separated by commas.
func ParseClients(spec string) (Clients, error) {
	out := Clients{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid API client entry %q", entry)
		}
		role := Role(parts[1])
		if !role.valid() {
			return nil, fmt.Errorf("API client %s: unknown role %q", parts[0], parts[1])
		}
		out[parts[0]] = Client{ID: parts[0], Role: role, SecretHash: parts[2]}
	}
	return out, nil
}

func (c Clients) Authenticate(id, secret string) (Client, error) {
	cl, ok := c[id]
	if !ok {
		// keep timing close to the found case
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3z0hXhRZ8eXcVxlVx9YQ2jG"), []byte(secret))
		return Client{}, ErrInvalidCredentials
	}
	if !ComparePassword(cl.SecretHash, secret) {
		return Client{}, ErrInvalidCredentials
	}
	return cl, nil
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ComparePassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
