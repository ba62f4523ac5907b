package domain_test

import (
	"testing"

	"uowcore/testutil"
)

func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain is the public model and must not reach into internal packages")
}

func TestDomainHasNoStorageDrivers(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.StorageDriverForbidden, "values convert for database/sql through plain Go types only")
}
