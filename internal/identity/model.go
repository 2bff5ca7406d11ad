package identity

import (
	"sort"
	"time"
)

// Account groups identities behind one session.
type Account struct {
	ID      string `json:"id"`
	IsGuest bool   `json:"is_guest"`
	// MergedInto is set once the account was consumed as a merge donor.
	MergedInto string    `json:"merged_into,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Retired reports whether the account was emptied by a merge.
func (a Account) Retired() bool { return a.MergedInto != "" }

// Identity is one claimed authentication method. Unconfirmed identities are
// pending claims; several accounts may hold a pending claim for the same key
// but only one may hold it confirmed.
type Identity struct {
	Key
	AccountID string `json:"account_id"`
	Confirmed bool   `json:"confirmed"`
	// Secret holds a password hash for password types.
	Secret      string    `json:"-"`
	ClaimedAt   time.Time `json:"claimed_at"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
}

// ReasonAuthMethodExists is reported for donor identities dropped because the
// destination already held that type.
const ReasonAuthMethodExists = "auth method already exists"

// LostIdentity is a donor identity that did not survive a merge.
type LostIdentity struct {
	Type   Type   `json:"type"`
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

// MergeOutcome is the result (or dry-run preview) of a merge.
type MergeOutcome struct {
	ResultAccountID string         `json:"result_account_id"`
	Moved           []Key          `json:"moved,omitempty"`
	Lost            []LostIdentity `json:"lost"`
}

// Active picks the row that currently owns a key: the confirmed one if any,
// else the newest pending claim.
func Active(rows []Identity) (Identity, bool) {
	var (
		best  Identity
		found bool
	)
	for _, r := range rows {
		switch {
		case !found:
			best, found = r, true
		case r.Confirmed && !best.Confirmed:
			best = r
		case r.Confirmed == best.Confirmed && newer(r, best):
			best = r
		}
	}
	return best, found
}

func newer(a, b Identity) bool {
	if !a.ClaimedAt.Equal(b.ClaimedAt) {
		return a.ClaimedAt.After(b.ClaimedAt)
	}
	return a.AccountID > b.AccountID
}

// SortIdentities orders rows by type then uid.
func SortIdentities(rows []Identity) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Type != rows[j].Type {
			return rows[i].Type < rows[j].Type
		}
		if rows[i].UID != rows[j].UID {
			return rows[i].UID < rows[j].UID
		}
		return rows[i].AccountID < rows[j].AccountID
	})
}

// ByType indexes the identities of one account.
func ByType(rows []Identity) map[Type][]Identity {
	out := make(map[Type][]Identity, len(rows))
	for _, r := range rows {
		out[r.Type] = append(out[r.Type], r)
	}
	return out
}
