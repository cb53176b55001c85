package models

import "time"

// Account is one bank account visible through a connection.
type Account struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	AccountType string `json:"account_type"`
	Currency    string `json:"currency"`
	Provider    string `json:"provider,omitempty"`
}

// Balance is the point-in-time balance of a single account.
type Balance struct {
	AccountID string    `json:"account_id"`
	Currency  string    `json:"currency"`
	Current   float64   `json:"current"`
	Available float64   `json:"available"`
	Overdraft float64   `json:"overdraft,omitempty"`
	UpdatedAt time.Time `json:"update_timestamp"`
}

// Transaction is a single settled or pending transaction.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Timestamp     time.Time `json:"timestamp"`
	Description   string    `json:"description"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Category      string    `json:"transaction_category,omitempty"`
	MerchantName  string    `json:"merchant_name,omitempty"`
	// Pending marks transactions from the provider's pending feed;
	// they may change or disappear on settlement.
	Pending bool `json:"pending,omitempty"`
}

// TransactionList is the cacheable unit for transaction data:
// confirmed and pending transactions merged for one account.
type TransactionList struct {
	AccountID    string        `json:"account_id"`
	Transactions []Transaction `json:"transactions"`
	FetchedAt    time.Time     `json:"fetched_at"`
}
