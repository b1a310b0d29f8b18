package app

// sshdConfigTemplate is the rendered daemon configuration. Algorithm
// identifiers come from configuration verbatim; upstream releases have
// renamed them more than once, so nothing here assumes a naming scheme.
const sshdConfigTemplate = `# Generated by pqsetup. Manual edits are backed up, not merged.
Port {{PORT}}
AddressFamily any
ListenAddress 0.0.0.0

HostKey {{HOST_KEY}}
HostKeyAlgorithms {{HOST_KEY_ALGORITHM}}
KexAlgorithms {{KEX_ALGORITHM}}

PidFile {{PID_FILE}}

PermitRootLogin prohibit-password
PubkeyAuthentication yes
PasswordAuthentication no
ChallengeResponseAuthentication no
UsePAM no

Subsystem sftp {{SFTP_SERVER}}
`

// clientConfigTemplate is the host-alias connection block appended to the
// user's client configuration.
const clientConfigTemplate = `# Generated by pqsetup.
Host {{ALIAS}}
    HostName {{HOSTNAME}}
    Port {{PORT}}
    IdentityFile {{IDENTITY_FILE}}
    KexAlgorithms {{KEX_ALGORITHM}}
    HostKeyAlgorithms {{HOST_KEY_ALGORITHM}}
`
