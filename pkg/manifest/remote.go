package manifest

// Ids of the connection fields added to plugins supporting remote execution.
const (
	RemoteToggleField    = "remote_execution"
	SSHIPsField          = "ssh_ips"
	SSHExceptionIPsField = "ssh_exception_ips"
	SSHUserField         = "ssh_user"
	SSHPasswordField     = "ssh_passwd"
	SSHPortField         = "ssh_port"
	SSHRootSameField     = "ssh_root_same"
	RootPasswordField    = "root_password"
)

// addRemoteFields appends the per-instance remote toggle and the SSH
// connection fields, unless the manifest already declares them.
func addRemoteFields(m *Manifest) {
	whenRemote := func() *EnabledIf {
		return &EnabledIf{Field: RemoteToggleField, Value: true}
	}

	synth := []*FieldSchema{
		{
			ID: RemoteToggleField, Type: FieldCheckbox, Label: "Exécution distante (SSH)",
			Default: false, HasDefault: true,
		},
		{
			ID: SSHIPsField, Type: FieldText, Label: "Adresses IP",
			Placeholder: "192.168.1.*, 10.0.0.1-10", Required: true, NotEmpty: true,
			EnabledIf: whenRemote(),
		},
		{
			ID: SSHExceptionIPsField, Type: FieldText, Label: "IPs à exclure",
			EnabledIf: whenRemote(),
		},
		{
			ID: SSHUserField, Type: FieldText, Label: "Utilisateur SSH",
			Default: "root", HasDefault: true, NoSpaces: true,
			EnabledIf: whenRemote(),
		},
		{
			ID: SSHPasswordField, Type: FieldPassword, Label: "Mot de passe SSH",
			EnabledIf: whenRemote(),
		},
		{
			ID: SSHPortField, Type: FieldText, Label: "Port SSH",
			Default: "22", HasDefault: true, NoSpaces: true,
			EnabledIf: whenRemote(),
		},
	}
	if m.SSHRoot {
		synth = append(synth,
			&FieldSchema{
				ID: SSHRootSameField, Type: FieldCheckbox, Label: "Mot de passe root identique",
				Default: true, HasDefault: true,
				EnabledIf: whenRemote(),
			},
			&FieldSchema{
				ID: RootPasswordField, Type: FieldPassword, Label: "Mot de passe root",
				EnabledIf: &EnabledIf{Field: SSHRootSameField, Value: false},
			},
		)
	}

	for _, f := range synth {
		if _, exists := m.Field(f.ID); exists {
			continue
		}
		f.Synthetic = true
		m.Fields = append(m.Fields, f)
	}
}
