// Package logx is the exporter's logger: zerolog underneath, Field helpers at
// call sites, a console writer for humans and an optional JSON file.
package logx
