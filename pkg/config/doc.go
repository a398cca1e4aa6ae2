/*
Package config loads foreman daemon configuration from an optional YAML
file layered over defaults; CLI flags override both.
*/
package config
