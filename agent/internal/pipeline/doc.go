// Package pipeline is the collection-pipeline configuration model.
//
// A Config binds a name to a base watch path (which may contain * and ?
// segments), a file name glob or regex, a depth limit and an opaque payload.
// Configs are parsed from YAML or JSON documents and are never mutated after
// they are published to the store; a reload builds new ones.
//
// Matching is purely lexical. IsDirMatch checks that a directory lies under
// the base path (or one of the container roots that stand in for it) within
// MaxDepth levels, and IsFileMatch checks a file name against the pattern.
package pipeline
