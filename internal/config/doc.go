// Package config loads and validates the gridpulse YAML configuration and
// watches it for changes so that formulas added to the file register at
// runtime without a restart. Pipeline options (tick period, resampling
// policies, staleness bounds, overflow and restart policies) are fixed at
// bootstrap; only the formula list is hot-reloadable.
package config
