// Package nvsmi contains everything that understands nvidia-smi's text
// output.
//
// Two surfaces of the tool are used. The streaming device monitor
// ("nvidia-smi dmon -s mu") emits one fixed-column row per device per
// sampling tick, interspersed with "#" header rows; ParseDmonLine converts
// one such row into a typed sample and rejects everything else. The one-shot
// query form ("nvidia-smi --query-gpu=... --format=csv") supplies static
// inventory: driver version, product names, and per-device total memory.
//
// Parsing is tolerant by design: header rows, partial rows, and rows for
// metrics the GPU does not support (rendered as "-") are silently skipped,
// since the dmon stream is guaranteed to mix headers into the data.
package nvsmi
