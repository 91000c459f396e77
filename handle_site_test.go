package ftpcore

import (
	"testing"

	"github.com/secsy/goftp"
	"github.com/stretchr/testify/require"
)

func TestSiteCommands(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err, "Couldn't connect")

	defer func() { panicOnError(client.Close()) }()

	raw, err := client.OpenRawConn()
	require.NoError(t, err, "Couldn't open raw connection")

	defer func() { require.NoError(t, raw.Close()) }()

	returnCode, _, err := raw.SendCommand("SITE CHMOD 755 /")
	require.NoError(t, err)
	require.Equal(t, StatusOK, returnCode)

	returnCode, _, err = raw.SendCommand("SITE CHOWN 1000:500 /")
	require.NoError(t, err)
	require.Equal(t, StatusOK, returnCode)

	returnCode, _, err = raw.SendCommand("SITE SYMLINK / /alias")
	require.NoError(t, err)
	require.Equal(t, StatusOK, returnCode)
}

func TestSiteCommandErrors(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err, "Couldn't connect")

	defer func() { panicOnError(client.Close()) }()

	raw, err := client.OpenRawConn()
	require.NoError(t, err, "Couldn't open raw connection")

	defer func() { require.NoError(t, raw.Close()) }()

	returnCode, _, err := raw.SendCommand("SITE CHMOD")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorParameters, returnCode)

	returnCode, _, err = raw.SendCommand("SITE CHMOD 755")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorParameters, returnCode)

	returnCode, _, err = raw.SendCommand("SITE CHMOD invalid /")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorParameters, returnCode)

	returnCode, _, err = raw.SendCommand("SITE CHOWN")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorParameters, returnCode)

	returnCode, _, err = raw.SendCommand("SITE CHOWN 1000")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorParameters, returnCode)

	// 9999 matches neither the fixture's uid nor gid
	returnCode, _, err = raw.SendCommand("SITE CHOWN 9999:9999 /")
	require.NoError(t, err)
	require.Equal(t, StatusActionNotTaken, returnCode)

	returnCode, _, err = raw.SendCommand("SITE MKDIR /testdir")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorNotRecognised, returnCode)
}

func TestSiteCommandDisabled(t *testing.T) {
	server := NewTestServerWithDriver(t, &TestServerDriver{
		Debug: false,
		Settings: &Settings{
			DisableSite: true,
		},
	})

	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err, "Couldn't connect")

	defer func() { panicOnError(client.Close()) }()

	raw, err := client.OpenRawConn()
	require.NoError(t, err, "Couldn't open raw connection")

	defer func() { require.NoError(t, raw.Close()) }()

	returnCode, response, err := raw.SendCommand("SITE CHMOD 755 /")
	require.NoError(t, err)
	require.Equal(t, StatusSyntaxErrorNotRecognised, returnCode)
	require.Equal(t, "SITE support is disabled", response)
}
