// Package notify compares consecutive snapshots of a structure
// collection and derives transition alerts: reinforcement state
// entries, low-fuel threshold crossings, and onset events such as
// anchoring or a service going offline.
//
// Every alert carries an event key that encodes the specific
// transition instance. Delivered keys are remembered per entity, in
// memory and in durable storage, so an unchanged state observed on
// every poll never re-alerts.
package notify
