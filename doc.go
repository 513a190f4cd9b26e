// Package streamkafka is the Kafka transport core of a stream-processing
// worker: it binds a long-lived worker process to a Kafka cluster and
// drives the consume/commit loop and the produce path, including
// transactional writes that atomically commit input offsets alongside
// output records.
//
// The stream/agent runtime that actually consumes delivered records and
// decides when offsets have been fully processed lives outside this
// package; streamkafka only knows about it through the Callbacks interface.
package streamkafka
