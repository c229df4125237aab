// Package native hosts a guest inside the calling process. Each section is
// a memfd mapped twice: once at the guest address with guest protections
// and once read-write for raw I/O, which is what makes cross-protection
// reads and writes possible without ptrace.
package native
