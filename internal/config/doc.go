// The config package encapsulates configuration for the shelfd daemon.
//
// All runtime state (database, logs, staging) lives within a dedicated
// base directory. When loading the configuration, the first and only
// argument is the path to the base directory rather than the path to
// the configuration file. The directory is expected to contain a file
// called 'config' with one "key value" pair per line. Derived paths
// (the database, for one) are exposed as methods of C.
package config
