package selfcert

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

func Test101_certificate_signing_check(t *testing.T) {

	cv.Convey("A key pair verifies against its own CA and not against another.", t, func() {
		ca0, err := NewCA("ca0")
		panicOn(err)
		ca1, err := NewCA("ca1")
		panicOn(err)

		kp, err := ca0.NewKeyPair("node", "127.0.0.1", "example.test")
		panicOn(err)

		cv.So(ca0.Verify(kp.Cert), cv.ShouldBeNil)
		cv.So(ca1.Verify(kp.Cert), cv.ShouldNotBeNil)

		cv.So(kp.Cert.DNSNames, cv.ShouldResemble, []string{"example.test"})
		cv.So(len(kp.Cert.IPAddresses), cv.ShouldEqual, 1)
		cv.So(kp.Cert.IPAddresses[0].String(), cv.ShouldEqual, "127.0.0.1")
	})
}

func Test102_write_and_load_round_trip(t *testing.T) {

	cv.Convey("WriteDir then LoadTLSConfig gives working server and client configs.", t, func() {
		dir, err := os.MkdirTemp("", "selfcert-test")
		panicOn(err)
		defer os.RemoveAll(dir)

		panicOn(WriteDir(dir, "node"))

		for _, fn := range []string{"ca.crt", "node.crt", "node.key"} {
			_, err := os.Stat(dir + sep + fn)
			cv.So(err, cv.ShouldBeNil)
		}
		fi, err := os.Stat(dir + sep + "node.key")
		panicOn(err)
		cv.So(fi.Mode().Perm(), cv.ShouldEqual, os.FileMode(0600))

		srv, err := LoadTLSConfig(dir, "node", true)
		panicOn(err)
		cli, err := LoadTLSConfig(dir, "node", false)
		panicOn(err)
		cv.So(srv.ClientAuth, cv.ShouldEqual, tls.RequireAndVerifyClientCert)

		_, err = LoadTLSConfig(dir, "nobody", true)
		cv.So(err, cv.ShouldNotBeNil)

		cv.So(handshake(srv, cli), cv.ShouldBeNil)
	})
}

func Test103_mutual_tls_handshake(t *testing.T) {

	cv.Convey("ServerAndClientTLS configs complete a TLS 1.3 handshake; a stranger's client cert is refused.", t, func() {
		srv, cli, err := ServerAndClientTLS()
		panicOn(err)
		cv.So(handshake(srv, cli), cv.ShouldBeNil)

		_, stranger, err := ServerAndClientTLS()
		panicOn(err)
		// the stranger does not trust our server's CA either; let it
		// skip that, so the refusal we see is the server's.
		stranger.InsecureSkipVerify = true
		cv.So(handshake(srv, stranger), cv.ShouldNotBeNil)
	})
}

// handshake runs one exchange over loopback and returns
// the first error either side sees.
func handshake(srv, cli *tls.Config) error {
	lsn, err := tls.Listen("tcp", "127.0.0.1:0", srv)
	if err != nil {
		return err
	}
	defer lsn.Close()

	srvErr := make(chan error, 1)
	go func() {
		conn, err := lsn.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		defer conn.Close()
		if err := conn.(*tls.Conn).Handshake(); err != nil {
			srvErr <- err
			return
		}
		_, err = conn.Write([]byte("ok"))
		srvErr <- err
	}()

	cli = cli.Clone()
	cli.ServerName = "127.0.0.1"
	conn, err := tls.Dial("tcp", lsn.Addr().String(), cli)
	if err != nil {
		<-srvErr
		return err
	}
	defer conn.Close()
	buf := make([]byte, 2)
	_, rerr := io.ReadFull(conn, buf)
	if err := <-srvErr; err != nil {
		return err
	}
	if rerr != nil {
		return rerr
	}
	if string(buf) != "ok" {
		return net.UnknownNetworkError("unexpected reply " + string(buf))
	}
	return nil
}
