// Package session is the prompt engine: it owns a session's single
// in-flight turn, converts provider event streams into durable, ordered
// messages and parts, retries transient API failures with backoff,
// repairs context-window overflow by summarizing, and queues prompts
// that arrive while a session is busy.
package session
