package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		remoteTargetsPolicy(),
		rootCredentialsPolicy(),
		fanOutSizePolicy(),
	}
}

// remoteTargetsPolicy requires at least one target for remote instances.
func remoteTargetsPolicy() Policy {
	return Policy{
		Name:        "remote-targets",
		Description: "Remote instances must name at least one target host",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pcutils.policies.targets

import rego.v1

deny contains violation if {
	input.remote
	trim_space(input.ssh_ips) == ""
	violation := {
		"message": sprintf("%s : aucune adresse IP cible (ssh_ips)", [input.instance]),
		"severity": "error",
		"field": "ssh_ips",
	}
}

deny contains violation if {
	input.remote
	trim_space(input.ssh_ips) != ""
	input.target_count == 0
	violation := {
		"message": sprintf("%s : aucune machine restante après exclusions", [input.instance]),
		"severity": "error",
		"field": "ssh_exception_ips",
	}
}`,
	}
}

// rootCredentialsPolicy requires root credentials for remote ssh_root
// plugins unless the SSH login already is root.
func rootCredentialsPolicy() Policy {
	return Policy{
		Name:        "root-credentials",
		Description: "Remote plugins needing root must carry a root password",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pcutils.policies.root

import rego.v1

deny contains violation if {
	input.remote
	input.ssh_root
	input.ssh_user != "root"
	not input.has_root_password
	not input.root_same_as_ssh
	violation := {
		"message": sprintf("%s : mot de passe root requis (root_password ou ssh_root_same)", [input.instance]),
		"severity": "error",
		"field": "root_password",
	}
}

deny contains violation if {
	input.remote
	input.ssh_root
	input.root_same_as_ssh
	not input.has_password
	violation := {
		"message": sprintf("%s : ssh_root_same sans mot de passe SSH", [input.instance]),
		"severity": "warning",
		"field": "ssh_passwd",
	}
}`,
	}
}

// fanOutSizePolicy warns about very large fan-outs.
func fanOutSizePolicy() Policy {
	return Policy{
		Name:        "fan-out-size",
		Description: "Warns when a remote instance targets more than 64 hosts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pcutils.policies.fanout

import rego.v1

deny contains violation if {
	input.remote
	input.target_count > 64
	violation := {
		"message": sprintf("%s : %d machines ciblées", [input.instance, input.target_count]),
		"severity": "warning",
		"field": "ssh_ips",
	}
}`,
	}
}
