package models

import (
	"fmt"
	"sort"
	"strings"
)

// EntityType names one kind of record pulled from the accounting platform.
type EntityType string

const (
	EntityAccounts           EntityType = "accounts"
	EntityTrackingCategories EntityType = "tracking_categories"
	EntityContacts           EntityType = "contacts"
	EntityItems              EntityType = "items"
	EntityInvoices           EntityType = "invoices"
	EntityPayments           EntityType = "payments"
	EntityCreditNotes        EntityType = "credit_notes"
	EntityBankAccounts       EntityType = "bank_accounts"
	EntityBankTransactions   EntityType = "bank_transactions"
	EntityManualJournals     EntityType = "manual_journals"
)

// EntityDescriptor carries the per-entity wire and storage facts.
type EntityDescriptor struct {
	Type     EntityType
	Priority int
	Rank     int

	Endpoint   string
	Collection string
	Where      string
	Paged      bool

	IDField       string
	CodeField     string
	NameField     string
	StatusField   string
	ContactPath   []string
	CurrencyField string
	AmountField   string

	// Unversioned entities carry no UpdatedDateUTC; the payload hash alone decides replacement.
	Unversioned bool
}

func (d EntityDescriptor) TableName() string {
	return "staging_" + string(d.Type)
}

var descriptors = []EntityDescriptor{
	{
		Type: EntityAccounts, Priority: 1, Rank: 0,
		Endpoint: "Accounts", Collection: "Accounts",
		IDField: "AccountID", CodeField: "Code", NameField: "Name", StatusField: "Status", CurrencyField: "CurrencyCode",
	},
	{
		Type: EntityTrackingCategories, Priority: 1, Rank: 1,
		Endpoint: "TrackingCategories", Collection: "TrackingCategories",
		IDField: "TrackingCategoryID", NameField: "Name", StatusField: "Status",
		Unversioned: true,
	},
	{
		Type: EntityContacts, Priority: 2, Rank: 2,
		Endpoint: "Contacts", Collection: "Contacts", Paged: true,
		IDField: "ContactID", CodeField: "AccountNumber", NameField: "Name", StatusField: "ContactStatus",
	},
	{
		Type: EntityItems, Priority: 2, Rank: 3,
		Endpoint: "Items", Collection: "Items",
		IDField: "ItemID", CodeField: "Code", NameField: "Name",
	},
	{
		Type: EntityInvoices, Priority: 3, Rank: 4,
		Endpoint: "Invoices", Collection: "Invoices", Paged: true,
		IDField: "InvoiceID", CodeField: "InvoiceNumber", StatusField: "Status",
		ContactPath: []string{"Contact", "ContactID"}, CurrencyField: "CurrencyCode", AmountField: "Total",
	},
	{
		Type: EntityPayments, Priority: 3, Rank: 5,
		Endpoint: "Payments", Collection: "Payments", Paged: true,
		IDField: "PaymentID", CodeField: "Reference", StatusField: "Status",
		ContactPath: []string{"Invoice", "Contact", "ContactID"}, AmountField: "Amount",
	},
	{
		Type: EntityCreditNotes, Priority: 3, Rank: 6,
		Endpoint: "CreditNotes", Collection: "CreditNotes", Paged: true,
		IDField: "CreditNoteID", CodeField: "CreditNoteNumber", StatusField: "Status",
		ContactPath: []string{"Contact", "ContactID"}, CurrencyField: "CurrencyCode", AmountField: "Total",
	},
	{
		Type: EntityBankAccounts, Priority: 3, Rank: 7,
		Endpoint: "Accounts", Collection: "Accounts", Where: `Type=="BANK"`,
		IDField: "AccountID", CodeField: "Code", NameField: "Name", StatusField: "Status", CurrencyField: "CurrencyCode",
	},
	{
		Type: EntityBankTransactions, Priority: 3, Rank: 8,
		Endpoint: "BankTransactions", Collection: "BankTransactions", Paged: true,
		IDField: "BankTransactionID", CodeField: "Reference", StatusField: "Status",
		ContactPath: []string{"Contact", "ContactID"}, CurrencyField: "CurrencyCode", AmountField: "Total",
	},
	{
		Type: EntityManualJournals, Priority: 3, Rank: 9,
		Endpoint: "ManualJournals", Collection: "ManualJournals", Paged: true,
		IDField: "ManualJournalID", NameField: "Narration", StatusField: "Status",
	},
}

var descriptorByType = func() map[EntityType]EntityDescriptor {
	out := make(map[EntityType]EntityDescriptor, len(descriptors))
	for _, d := range descriptors {
		out[d.Type] = d
	}
	return out
}()

// Describe returns the descriptor for a known entity type.
func Describe(t EntityType) (EntityDescriptor, bool) {
	d, ok := descriptorByType[t]
	return d, ok
}

// AllEntityTypes lists every entity type in priority order.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.Type)
	}
	return out
}

func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := descriptorByType[t]; !ok {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return t, nil
}

// OrderEntities dedups the input and sorts it into priority order. Unknown types are returned separately.
func OrderEntities(in []EntityType) (ordered []EntityType, unknown []EntityType) {
	seen := make(map[EntityType]struct{}, len(in))
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := descriptorByType[t]; !ok {
			unknown = append(unknown, t)
			continue
		}
		ordered = append(ordered, t)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return descriptorByType[ordered[i]].Rank < descriptorByType[ordered[j]].Rank
	})
	return ordered, unknown
}
