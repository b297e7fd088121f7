// Package sqlscope is a thin convenience layer over database/sql that stays close to the SQL you already write. It compiles {0}-style templates into named-parameter commands (collections of numbers are inlined, everything else is bound), expands structs and maps into bindings, renders @name placeholders for the target dialect, materializes rows into typed values by case-insensitive column name, and shares one ambient transaction across nested scopes on the same connection, all without an ORM or a fluent DSL.

package sqlscope
