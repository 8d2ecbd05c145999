// Package prisma is a conversational roleplay backend: an intelligent
// prompt-assembly and memory layer in front of an OpenAI-compatible
// chat-completion API.
//
// For each user turn it ingests a character card, lorebook entries,
// retrieved long-term memories, accumulated history, and composable
// instruction modules, and produces a single bounded prompt that fits the
// target model's context window. It also maintains the long-term state:
// chat history, extracted memory facts (with a vector index), and
// archived/summarized history.
//
// The root package holds the domain types and the interfaces that the
// subpackages implement:
//
//   - token: model-aware token estimation
//   - vector: embeddings client and the ANN collection gateway
//   - memory: durable fact records with hybrid retrieval and extraction
//   - lore: recursive lorebook activation
//   - prompt: role rendering and prompt assembly
//   - compact: background history summarization
//   - models: per-model context limits
//   - engine: the per-turn pipeline and background workers
//   - server: the HTTP chat surface
//   - store/sqlite: the relational store
//   - provider/openaicompat: the upstream LLM client
//   - observer: OpenTelemetry instrumentation
package prisma
