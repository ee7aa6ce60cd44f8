/*
Package security provides the two cryptographic primitives the rest of the
cluster manager depends on: AES-256-GCM encryption of fencing-device
parameters at rest, and cached loading of the pre-shared key that
authenticates the remote executor transport's HMAC-SHA256 handshake.

# Cluster encryption key

SecretsManager encrypts and decrypts arbitrary byte payloads, and
specifically a fencing device's parameter map (EncryptParams/DecryptParams),
with a 32-byte AES-256 key. DeriveKeyFromClusterID derives that key from
the cluster ID during initialization, so every node can decrypt the same
CIB-stored fencing parameters without a separately distributed secret.

# Remote executor PSK

PSKLoader reads the pre-shared key the executor remote transport's
handshake uses to compute and verify an HMAC-SHA256 proof of possession.
It tries a configured list of file paths in order (by default
DefaultPSKPath then FallbackPSKPath), caching the result for 60 seconds so
a high connection rate does not hammer the filesystem. Invalidate forces
the next Load to re-read, for use after an authentication failure that
might indicate the key was rotated.

This package deliberately does not provide TLS/mTLS: the cluster's
internal transports (messaging, the remote executor) are authenticated
with a shared secret rather than a certificate hierarchy, matching the
pre-shared-key handshake the specification describes.
*/
package security
