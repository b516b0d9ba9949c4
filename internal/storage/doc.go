// Package storage persists subscribers, auto-message rules, the send ledger
// and localized text overrides.
//
// The ledger is a unique-key table on (subscriber_id, rule_id); writes use
// insert-or-ignore so concurrent writers for the same pair are safe.
package storage
